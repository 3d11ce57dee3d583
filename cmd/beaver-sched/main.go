package main

// ============================================================================
// beaver-sched 入口
// 所有邏輯在 internal/cli；這裡只負責 panic recovery 與退出碼
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-sched/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
