package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"pakpatch/commands"
	"pakpatch/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
	config.SetLogLevel(l)
	commands.SetLogLevel(l)
}

func registerGlobalFlags(fset *pflag.FlagSet) {
	fset.AddFlagSet(pflag.CommandLine)
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(configFile string) *config.Config {
	checkConfig(configFile)
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := pflag.String("config", "", "Path to config file")
	logLevel := pflag.String("loglevel", "info", "Log level")

	initCmd := pflag.NewFlagSet("init", pflag.ExitOnError)
	registerGlobalFlags(initCmd)

	updateCmd := pflag.NewFlagSet("update", pflag.ExitOnError)
	updateDeployment := updateCmd.String("deployment", "", "Deployment name, defaults to the configured one")
	updateBuild := updateCmd.String("build", "", "Content build id, defaults to the configured one")
	registerGlobalFlags(updateCmd)

	statusCmd := pflag.NewFlagSet("status", pflag.ExitOnError)
	registerGlobalFlags(statusCmd)

	downloadCmd := pflag.NewFlagSet("download", pflag.ExitOnError)
	downloadChunks := downloadCmd.Int32Slice("chunks", nil, "Chunks to download, all if empty")
	downloadPriority := downloadCmd.Int32("priority", 0, "Download priority")
	registerGlobalFlags(downloadCmd)

	mountCmd := pflag.NewFlagSet("mount", pflag.ExitOnError)
	mountChunks := mountCmd.Int32Slice("chunks", nil, "Chunks to mount")
	mountScan := mountCmd.Bool("scan", false, "Add the mounted content to the content index")
	registerGlobalFlags(mountCmd)

	flushCmd := pflag.NewFlagSet("flush", pflag.ExitOnError)
	registerGlobalFlags(flushCmd)

	validateCmd := pflag.NewFlagSet("validate", pflag.ExitOnError)
	registerGlobalFlags(validateCmd)

	infoCmd := pflag.NewFlagSet("info", pflag.ExitOnError)
	registerGlobalFlags(infoCmd)

	diffCmd := pflag.NewFlagSet("diff", pflag.ExitOnError)
	registerGlobalFlags(diffCmd)

	serveCmd := pflag.NewFlagSet("serve", pflag.ExitOnError)
	serveChunks := serveCmd.Int32Slice("chunks", nil, "Chunks to keep mounted")
	registerGlobalFlags(serveCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg)
	case "update":
		updateCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunUpdate(ctx, cfg, *updateDeployment, *updateBuild)
	case "status":
		statusCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunStatus(ctx, cfg)
	case "download":
		downloadCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunDownload(ctx, cfg, *downloadChunks, *downloadPriority)
	case "mount":
		mountCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		if len(*mountChunks) == 0 {
			log.Fatal("No chunks given")
		}
		commands.RunMount(ctx, cfg, *mountChunks, *mountScan)
	case "flush":
		flushCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunFlush(ctx, cfg)
	case "validate":
		validateCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunValidate(ctx, cfg)
	case "info":
		infoCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunInfo(ctx, cfg)
	case "diff":
		diffCmd.Parse(args)
		setLogLevel(*logLevel)
		if diffCmd.NArg() != 2 {
			log.Fatal("Expected two manifest files")
		}
		commands.RunDiff(ctx, diffCmd.Arg(0), diffCmd.Arg(1))
	case "serve":
		serveCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunServe(ctx, cfg, *serveChunks)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
