package app

import (
	"strings"
	"testing"
)

func TestParseCommand_DefaultsToServe(t *testing.T) {
	cmd, err := ParseCommand([]string{})
	if err != nil || cmd != CommandServe {
		t.Errorf("ParseCommand([]) = %q, %v, want %q", cmd, err, CommandServe)
	}
}

func TestParseCommand_KnownCommands(t *testing.T) {
	for _, want := range []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck} {
		cmd, err := ParseCommand([]string{string(want)})
		if err != nil {
			t.Errorf("ParseCommand([%s]) がエラーを返した: %v", want, err)
		}
		if cmd != want {
			t.Errorf("ParseCommand([%s]) = %q, want %q", want, cmd, want)
		}
	}
}

func TestParseCommand_UnknownReturnsError(t *testing.T) {
	_, err := ParseCommand([]string{"wroker"})
	if err == nil {
		t.Fatal("未知のコマンドはエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "worker") {
		t.Errorf("エラーメッセージに利用可能なコマンドが含まれていない: %v", err)
	}
}

func TestParseCommand_IgnoresExtraArgs(t *testing.T) {
	cmd, err := ParseCommand([]string{"worker", "--flag", "value"})
	if err != nil || cmd != CommandWorker {
		t.Errorf("ParseCommand([worker --flag value]) = %q, %v, want %q", cmd, err, CommandWorker)
	}
}

func TestRun_UnknownCommand_ReturnsErrorBeforeInit(t *testing.T) {
	t.Setenv("SCIM_URL", "")
	if err := Run(nil, []string{"unknown"}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("Run(unknown) = %v", err)
	}
}
