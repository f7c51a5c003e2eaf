package main

import (
	"os"

	"github.com/carina-io/localpv-agent/cmd/localpv-agent/run"
)

var gitCommitID = "dev"

func main() {
	os.Exit(run.Execute(gitCommitID))
}
