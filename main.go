package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/sirupsen/logrus"

	"vaultexecutor/src/database"
	"vaultexecutor/src/executors"
	"vaultexecutor/src/repository"
	"vaultexecutor/src/server"
)

var APP_NAME = os.Getenv("APP_NAME")

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.DebugLevel
	}

	logger.SetLevel(level)
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		logger.SetFormatter(&logger.JSONFormatter{})
	} else {
		logger.SetFormatter(&logger.TextFormatter{
			FullTimestamp: true,
		})
	}
}

func main() {
	_ = godotenv.Load()
	SetupLogger()
	defer handlePanic()

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	eng, oracleClient, err := executors.BuildEngine()
	if err != nil {
		logger.WithError(err).Fatal("Failed to build execution engine")
	}

	deps := server.Dependencies{
		Engine:    eng,
		Oracle:    oracleClient,
		Vaults:    repository.NewVaultRepository(),
		Positions: repository.NewPositionRepository(),
		Events:    repository.NewExecutionEventRepository(),
	}

	server.StartServer(server.GetConfig().Port, deps)
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
