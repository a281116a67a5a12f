package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "insightd"}

	root.AddCommand(serveCMD(), workerCMD(), migrateCMD(), runOnceCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
