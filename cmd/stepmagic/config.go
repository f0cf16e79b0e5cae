package main

import (
	"time"

	"github.com/aasmall/stepmagic/internal/app"
	"github.com/aasmall/stepmagic/internal/journal"
	"github.com/aasmall/stepmagic/lib/envreader"
	"github.com/pkg/errors"
)

type envConfig struct {
	slackBotToken  string
	slackAppToken  string
	slackAPIURL    string
	projectID      string
	logName        string
	redisAddr      string
	handlerTimeout time.Duration
	journalTTL     time.Duration
	debug          bool
	local          bool
}

func getEnvironmentalConfig(opts ...envreader.Option) (*envConfig, error) {
	opts = append([]envreader.Option{
		envreader.WithDefault("DEBUG", true),
		envreader.WithDefault("LOCAL", true),
		envreader.WithDefault("HANDLER_TIMEOUT", app.DefaultHandlerTimeout),
		envreader.WithDefault("JOURNAL_TTL", journal.DefaultTTL),
	}, opts...)
	configReader := envreader.New(opts...)
	config := &envConfig{
		slackBotToken:  configReader.GetSecret("SLACK_BOT_TOKEN"),
		slackAppToken:  configReader.GetSecret("SLACK_APP_TOKEN"),
		slackAPIURL:    configReader.GetEnvOpt("SLACK_API_URL"),
		redisAddr:      configReader.GetEnvOpt("REDIS_ADDR"),
		handlerTimeout: configReader.GetEnvDurationOpt("HANDLER_TIMEOUT"),
		journalTTL:     configReader.GetEnvDurationOpt("JOURNAL_TTL"),
		debug:          configReader.GetEnvBoolOpt("DEBUG"),
		local:          configReader.GetEnvBoolOpt("LOCAL"),
	}
	if config.local {
		config.projectID = configReader.GetEnvOpt("PROJECT_ID")
		config.logName = configReader.GetEnvOpt("LOG_NAME")
	} else {
		config.projectID = configReader.GetEnv("PROJECT_ID")
		config.logName = configReader.GetEnv("LOG_NAME")
	}
	if configReader.Errors {
		return nil, errors.Errorf("Could not gather config. Failed variables: %v", configReader.MissingKeys)
	}
	return config, nil
}
