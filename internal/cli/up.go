package cli

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thinksyncs/toppy/internal/config"
	"github.com/thinksyncs/toppy/internal/logging"
	"github.com/thinksyncs/toppy/internal/policyengine"
	"github.com/thinksyncs/toppy/internal/sessionproxy"
	"github.com/thinksyncs/toppy/pkg/toppy"
)

var (
	upTarget string
	upListen string
	upOnce   bool
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Open an authenticated tunnel and relay a target through a local listener",
	RunE:  runUp,
}

func init() {
	upCmd.Flags().StringVar(&upTarget, "target", "", "target address to relay to, HOST:PORT (required)")
	upCmd.Flags().StringVar(&upListen, "listen", "", "local address to listen on, ADDR:PORT (required)")
	upCmd.Flags().BoolVar(&upOnce, "once", false, "relay a single connection, then exit")
	_ = upCmd.MarkFlagRequired("target")
	_ = upCmd.MarkFlagRequired("listen")
}

func runUp(cmd *cobra.Command, _ []string) error {
	path, err := requireConfigPath()
	if err != nil {
		return NewExitCodeError(1, err)
	}
	cfg, err := config.LoadToppy(path)
	if err != nil {
		return NewExitCodeError(1, fmt.Errorf("load config: %w", err))
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return NewExitCodeError(1, fmt.Errorf("logging: %w", err))
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := checkTargetAllowed(ctx, upTarget, cfg.Policy.Rules()); err != nil {
		return err
	}

	session, err := toppy.Dial(ctx, toppy.DialConfig{
		Gateway:    cfg.Gateway,
		Port:       cfg.Port,
		ServerName: cfg.ServerName,
		CACertPath: cfg.CACertPath,
		AuthToken:  cfg.AuthToken,
		MTU:        cfg.MTU,
	})
	if err != nil {
		return NewExitCodeError(1, fmt.Errorf("dial gateway: %w", err))
	}
	defer session.Close()

	mode := sessionproxy.Persistent
	if upOnce {
		mode = sessionproxy.Once
	}
	handle := sessionproxy.New(sessionproxy.Adapter{Session: session}, upTarget, mode, sessionproxy.WithLogger(logger))

	if err := handle.Run(ctx, upListen); err != nil {
		// An error returned after ctx was canceled (signal) is a clean
		// shutdown (§9's Open Question: 0 for peer close, >=1 for any
		// fault). Under --once, Run returns the single relay's own result:
		// nil on a clean close, the relay error otherwise.
		if ctx.Err() != nil {
			return nil
		}
		return NewExitCodeError(1, fmt.Errorf("relay: %w", err))
	}
	return nil
}

// checkTargetAllowed runs the client-side half of Policy(T) (§3): the
// target is resolved exactly as the gateway will resolve it, and denied
// up front so a disallowed target never even binds the local listener.
func checkTargetAllowed(ctx context.Context, target string, rules []policyengine.Rule) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return NewExitCodeError(1, fmt.Errorf("invalid --target %q: %w", target, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NewExitCodeError(1, fmt.Errorf("invalid port in --target %q", target))
	}

	resolveCtx, cancel := context.WithTimeout(ctx, toppy.DefaultDialTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(resolveCtx, host)
	if err != nil || len(addrs) == 0 {
		return NewExitCodeError(1, fmt.Errorf("resolve %s: %w", host, err))
	}

	decision := policyengine.Evaluate(addrs[0].IP.String(), port, rules)
	if decision.IsDenied() {
		return NewExitCodeError(1, fmt.Errorf("not allowed: %s", decision.HumanSummary))
	}
	return nil
}
