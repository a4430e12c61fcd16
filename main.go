// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "goopcall.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		open := fs.Bool("open", false, "Open the call control page in a browser")
		_ = fs.Parse(args[1:])
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall run [-open] <client-directory>")
			os.Exit(1)
		}
		runClient(fs.Arg(0), *open)

	case "init":
		fs := flag.NewFlagSet("init", flag.ExitOnError)
		user := fs.String("user", "", "User id to sign in as")
		interactive := fs.Bool("i", false, "Ask for each setting")
		_ = fs.Parse(args[1:])
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall init [-i] [-user id] <client-directory>")
			os.Exit(1)
		}
		initClient(fs.Arg(0), *user, *interactive)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func clientDir(arg string, create bool) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid client directory: %v", err)
	}
	if create {
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			log.Fatalf("Create client directory: %v", err)
		}
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Client directory does not exist: %s", absDir)
	}
	return absDir
}

func runClient(dirArg string, open bool) {
	absDir := clientDir(dirArg, false)

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully...")
	}()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Browser: open,
		Progress: func(step, total int, label string) {
			fmt.Printf("[%d/%d] %s\n", step, total, label)
		},
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func initClient(dirArg, user string, interactive bool) {
	absDir := clientDir(dirArg, true)
	cfgPath := filepath.Join(absDir, cfgName)

	if user == "" && !interactive {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			log.Fatalf("init needs -user or -i for a new client")
		}
	}
	id := user
	if id == "" {
		id = "pending"
	}
	cfg, created, err := config.Ensure(cfgPath, id)
	if err != nil {
		log.Fatalf("Failed to prepare config: %v", err)
	}
	if user != "" {
		cfg.Identity.UserID = user
	}
	if interactive {
		cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	if created {
		fmt.Printf("Created %s\n", cfgPath)
	} else {
		fmt.Printf("Updated %s\n", cfgPath)
	}
	fmt.Printf("Start with: goopcall run %s\n", absDir)
}

func showUsage() {
	fmt.Println("goopcall - call signaling and media client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall init [-i] [-user id] <directory>   Create or update a client config")
	fmt.Println("  goopcall run [-open] <directory>            Run a client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init <directory>")
	fmt.Println("        Write " + cfgName + " into the directory, creating it if needed")
	fmt.Println("        -user sets the identity; -i asks for each setting")
	fmt.Println()
	fmt.Println("  run <directory>")
	fmt.Println("        Connect to the chat server and handle calls for the configured user")
	fmt.Println("        -open opens the local call control page")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall init -user alice ./clients/alice")
	fmt.Println("  goopcall run ./clients/alice")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    goopcall client                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Client Directory: %s\n", dir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("User:             %s\n", cfg.Identity.UserID)
	fmt.Printf("Signaling:        %s\n", cfg.Signaling.URL)
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("📞 Call control:  %s\n", url)
		fmt.Println()
	}

	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
