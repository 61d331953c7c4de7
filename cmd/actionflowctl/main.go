package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ActionFlow/sdk/go/actionflow"
)

const usage = `用法: actionflowctl [flags] <command> [args]

命令:
  accept ID:TYPE[:MESSAGE]...   提交 accept 决定
  reject ID:TYPE...             提交 reject 决定
  sessions                      列出等待目标广播的会话
  health                        查看守护进程与广播连接状态
`

// main 是 actionflowd 控制面的命令行客户端。
func main() {
	flags := pflag.NewFlagSet("actionflowctl", pflag.ContinueOnError)
	addr := flags.StringP("addr", "a", envOr("ACTIONFLOW_ADDR", "http://127.0.0.1:8080"), "控制面 API 地址")
	timeout := flags.DurationP("timeout", "t", actionflow.DefaultHTTPTimeout, "请求超时时间")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *addr, *timeout, flags.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "actionflowctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string, timeout time.Duration, args []string) error {
	client, err := actionflow.NewClient(addr, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out any
	switch cmd := args[0]; cmd {
	case "accept", "reject":
		actions, err := parseActions(args[1:])
		if err != nil {
			return err
		}
		if cmd == "accept" {
			out, err = client.Accept(ctx, actions...)
		} else {
			out, err = client.Reject(ctx, actions...)
		}
		if err != nil {
			return err
		}
	case "sessions":
		if out, err = client.Sessions(ctx); err != nil {
			return err
		}
	case "health":
		if out, err = client.Health(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知命令 %q", cmd)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// parseActions 解析 ID:TYPE[:MESSAGE] 形式的参数。
func parseActions(args []string) ([]actionflow.Action, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("至少需要一个操作")
	}
	actions := make([]actionflow.Action, 0, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("操作参数 %q 格式应为 ID:TYPE[:MESSAGE]", arg)
		}
		act := actionflow.Action{ID: parts[0], ActionType: strings.ToUpper(parts[1])}
		if len(parts) == 3 {
			act.TriggerMessage = parts[2]
		}
		actions = append(actions, act)
	}
	return actions, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
