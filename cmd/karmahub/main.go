// Command karmahub はKarmaHubの認証BFFサーバーとワーカーを起動する。
//
// 使い方:
//
//	karmahub [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/karmahub/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "karmahub: %v\n", err)
		os.Exit(1)
	}
}
