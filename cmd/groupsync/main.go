// Command groupsync はOktaのグループメンバーシップ変更をAWS IAM Identity Centerへ同期する。
//
// 使い方:
//
//	groupsync [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/groupsync/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "groupsync: %v\n", err)
		os.Exit(1)
	}
}
