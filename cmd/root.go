package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "snapsift",
	Short: "Photography event management backend",
	Long: `SnapSift is the backend for photography event management: it culls
photo sets through an async quality pipeline (blur, closed eyes, near
duplicates) and publishes events where guests find their photos by
uploading a selfie.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
