package main

import (
	"os"

	"github.com/open-edge-platform/geti-sub016/cmd/jobs-scheduler/cmd"
	"github.com/open-edge-platform/geti-sub016/internal/common"
)

func main() {
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
