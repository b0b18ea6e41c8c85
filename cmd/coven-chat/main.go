// ABOUTME: Entry point for coven-chat, a terminal client for chat and image conversations
// ABOUTME: Dispatches subcommands that drive the conversation manager

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the chat config file.
// Priority: COVEN_CHAT_CONFIG env var > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml")
}

func usage() {
	fmt.Println("Usage: coven-chat <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat [-model M] [-c ID] [MESSAGE]   Chat interactively, or send one message")
	fmt.Println("  list [-n N]                          List conversations")
	fmt.Println("  show ID                              Print a conversation")
	fmt.Println("  search QUERY                         Search conversation titles")
	fmt.Println("  image [-model M] [-size S] PROMPT    Generate an image")
	fmt.Println("  export [-format md|html] [-o FILE] ID  Export a conversation")
	fmt.Println("  migrate                              Move local conversations into the account")
	fmt.Println("  token                                Print a bearer token for the account")
	fmt.Println("  version                              Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx, args)
	case "list":
		err = runList(ctx, args)
	case "show":
		err = runShow(ctx, args)
	case "search":
		err = runSearch(ctx, args)
	case "image":
		err = runImage(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "migrate":
		err = runMigrate(ctx)
	case "token":
		err = runToken(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
