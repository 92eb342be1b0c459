// Command sttd is the speech-to-text serving daemon: it loads a Whisper
// model, exposes the Control API through an in-process engine, and serves
// health endpoints over HTTP. It also doubles as the accuracy-validation
// tool for comparing quantization levels against a reference transcript set.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "sttd: .env: %v\n", err)
	}
	os.Exit(exitCode(rootCmd.Execute()))
}
