package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gitpulse/ingest-gateway/internal/common"
	"github.com/gitpulse/ingest-gateway/internal/common/app"
	"github.com/gitpulse/ingest-gateway/internal/gateway"
	"github.com/gitpulse/ingest-gateway/internal/gateway/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.GatewayConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/ingestgateway", userSpecifiedConfig)

	log.Info("Starting...")

	ctx := app.CreateContextWithShutdown()

	if err := gateway.Serve(ctx, &config); err != nil {
		log.Fatalf("Gateway failed: %v", err)
	}
}
