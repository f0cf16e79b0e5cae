package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/logging"
	"github.com/aasmall/stepmagic/internal/app"
	"github.com/aasmall/stepmagic/internal/journal"
	"github.com/aasmall/stepmagic/internal/steps"
	log "github.com/aasmall/stepmagic/lib/logger"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Could not read .env: %v", err)
	}
	config, err := getEnvironmentalConfig()
	if err != nil {
		log.Fatalf("ERROR OCCURED BEFORE LOGGING: %s", err)
	}

	logOpts := []log.Option{
		log.WithDebug(config.debug),
		log.WithLocal(config.local),
		log.WithDefaultSeverity(logging.Debug),
	}
	if config.logName != "" {
		logOpts = append(logOpts, log.WithLogName(config.logName))
	}
	logger := log.New(config.projectID, logOpts...)
	logger.Info("Logger up and running!")

	if err := run(config, logger); err != nil {
		logger.Criticalf("Failed to start the app: %v", err)
		logger.Close()
		os.Exit(1)
	}
	log.Println("Shutting down logger.")
	logger.Close()
}

func run(config *envConfig, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientOpts := []slack.Option{
		slack.OptionDebug(config.debug),
		slack.OptionLog(logger),
	}
	if config.slackAPIURL != "" {
		url := config.slackAPIURL
		if !strings.HasSuffix(url, "/") {
			url += "/"
		}
		clientOpts = append(clientOpts, slack.OptionAPIURL(url))
	}
	api := slack.New(config.slackBotToken,
		append([]slack.Option{slack.OptionAppLevelToken(config.slackAppToken)}, clientOpts...)...)
	socket := socketmode.New(api,
		socketmode.OptionDebug(config.debug),
		socketmode.OptionLog(logger),
	)

	var j journal.Journal
	if config.redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: config.redisAddr})
		defer redisClient.Close()
		logger.Infof("Recording step lifecycle in redis at %s", config.redisAddr)
		j = journal.NewRedisJournal(redisClient, config.journalTTL)
	} else {
		j = journal.NewMemoryJournal(config.journalTTL)
	}

	a := app.New(socket, socket.Events, api,
		app.WithLogger(logger),
		app.WithJournal(j),
		app.WithHandlerTimeout(config.handlerTimeout),
		app.WithClientFactory(app.SlackClientFactory(api, clientOpts...)),
	)
	steps.Register(a)
	return a.Run(ctx)
}
