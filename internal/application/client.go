package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"coder1/bridge/internal/bridgeclient"
	"coder1/bridge/internal/command"
	"coder1/bridge/internal/config"
	"coder1/bridge/internal/executor"
	"coder1/bridge/internal/lifecycle"
	"coder1/bridge/internal/logging"
	"coder1/bridge/internal/queue"
)

// ErrNotPaired means no stored credentials exist and no pairing code was
// given on the command line.
var ErrNotPaired = errors.New("bridge is not paired")

const installHint = "claude CLI not found. Install it from https://claude.ai/download and make sure it is on PATH."

// RunStart pairs if needed, then keeps the bridge connected until the process
// receives SIGINT or SIGTERM.
func RunStart(ctx context.Context, cfg config.Config, opts command.StartOptions, version string) error {
	if opts.ServerURL != "" {
		cfg.ServerURL = opts.ServerURL
	}
	if opts.Verbose {
		cfg.Verbose = true
	}
	if opts.Dev {
		cfg.Dev = true
	}
	logger := logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Verbose:   cfg.Verbose,
		Component: "bridge",
	})

	creds, err := ensurePaired(cfg, opts.PairCode, version)
	if err != nil {
		return err
	}
	if !opts.NoBanner {
		printBanner(version, cfg.ServerURL, creds.BridgeID)
	}

	exec := executor.New(logger)
	q := queue.New(func(runCtx context.Context, sub queue.Submission) executor.Result {
		return exec.Run(runCtx, sub.Command, sub.Options)
	}, queue.Options{Logger: logger, AdmitInterval: cfg.AdmitInterval})

	files, err := bridgeclient.NewFileService(workingDir(cfg))
	if err != nil {
		return err
	}
	handler := bridgeclient.NewHandler(bridgeclient.HandlerOptions{
		Logger:         logger,
		Queue:          q,
		Files:          files,
		CommandTimeout: cfg.CommandTimeout,
		WorkingDir:     cfg.WorkingDirectory,
	})
	client, err := bridgeclient.NewClient(bridgeclient.ClientOptions{
		Logger:            logger,
		Handler:           handler,
		URL:               bridgeWSURL(cfg.ServerURL),
		Token:             creds.Token,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	mgr := lifecycle.NewManager(logger)
	mgr.AddRun("command-queue", q.Run)
	mgr.AddRun("bridge-client", client.Run)
	return mgr.StartAndWait(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func ensurePaired(cfg config.Config, pairCode, version string) (config.Credentials, error) {
	store := config.NewStore(cfg.ConfigDir)
	creds, err := store.Load()
	if err != nil {
		return config.Credentials{}, err
	}
	if creds.Paired() && pairCode == "" {
		if strings.TrimSpace(creds.ServerURL) != "" {
			return creds, nil
		}
		creds.ServerURL = cfg.ServerURL
		return creds, nil
	}
	if pairCode == "" {
		return config.Credentials{}, fmt.Errorf("%w: run start --code <6-digit code>", ErrNotPaired)
	}

	res, err := bridgeclient.NewPairClient(cfg.ServerURL).Pair(pairCode, version, claudeVersion(cfg))
	if err != nil {
		return config.Credentials{}, err
	}
	creds = config.Credentials{
		ServerURL: cfg.ServerURL,
		Token:     res.Token,
		BridgeID:  res.BridgeID,
		UserID:    res.UserID,
	}
	if err := store.Save(creds); err != nil {
		return config.Credentials{}, err
	}
	return creds, nil
}

func claudeVersion(cfg config.Config) string {
	exec := executor.New(logging.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := exec.Run(ctx, cfg.ClaudeBinary+" --version", executor.RunOptions{Timeout: 5 * time.Second})
	if res.Err != nil || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func workingDir(cfg config.Config) string {
	if strings.TrimSpace(cfg.WorkingDirectory) != "" {
		return cfg.WorkingDirectory
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func bridgeWSURL(serverURL string) string {
	wsURL := strings.TrimRight(serverURL, "/") + "/ws/bridge"
	if u, err := url.Parse(wsURL); err == nil {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
			wsURL = u.String()
		case "https":
			u.Scheme = "wss"
			wsURL = u.String()
		}
	}
	return wsURL
}

func printBanner(version, serverURL, bridgeID string) {
	fmt.Printf("coder1-bridge %s\n", version)
	fmt.Printf("  server: %s\n", serverURL)
	fmt.Printf("  bridge: %s\n", bridgeID)
	fmt.Println("  press ctrl+c to disconnect")
}

// RunStatus prints pairing state and the server-side view of this user's
// bridges and recent commands.
func RunStatus(ctx context.Context, cfg config.Config, serverOverride string) error {
	if serverOverride != "" {
		cfg.ServerURL = serverOverride
	}
	creds, err := config.NewStore(cfg.ConfigDir).Load()
	if err != nil {
		return err
	}
	if !creds.Paired() {
		fmt.Println("not paired")
		return ErrNotPaired
	}
	fmt.Printf("paired as bridge %s (user %s)\n", creds.BridgeID, creds.UserID)

	base := cfg.ServerURL
	if strings.TrimSpace(creds.ServerURL) != "" {
		base = creds.ServerURL
	}
	base = strings.TrimRight(base, "/")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	bridges, err := getJSON(ctx, httpClient, base+"/api/v1/bridges?user_id="+url.QueryEscape(creds.UserID))
	if err != nil {
		fmt.Printf("server unreachable: %v\n", err)
		return err
	}
	items, _ := bridges["items"].([]any)
	fmt.Printf("connected bridges: %d\n", len(items))
	for _, item := range items {
		bridge, _ := item.(map[string]any)
		fmt.Printf("  %v  platform=%v pending=%v executed=%v\n",
			bridge["bridge_id"], bridge["platform"], bridge["pending_commands"], bridge["commands_executed"])
	}

	recent, err := getJSON(ctx, httpClient, base+"/api/v1/commands/recent?limit=5")
	if err != nil {
		return err
	}
	rows, _ := recent["items"].([]any)
	if len(rows) > 0 {
		fmt.Println("recent commands:")
		for _, row := range rows {
			rec, _ := row.(map[string]any)
			fmt.Printf("  %v  exit=%v duration=%vms\n", rec["command_id"], rec["exit_code"], rec["duration_ms"])
		}
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("request failed with status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded.Data, nil
}

// RunTest verifies the claude CLI is installed and runnable. CLINotFound gets
// an actionable install hint.
func RunTest(ctx context.Context, cfg config.Config) error {
	exec := executor.New(logging.Nop())
	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	res := exec.Run(runCtx, cfg.ClaudeBinary+" --version", executor.RunOptions{Timeout: 15 * time.Second})
	if errors.Is(res.Err, executor.ErrCLINotFound) {
		fmt.Println(installHint)
		return res.Err
	}
	if res.Err != nil {
		return res.Err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited with code %d: %s", cfg.ClaudeBinary, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	fmt.Printf("%s %s\n", cfg.ClaudeBinary, strings.TrimSpace(res.Stdout))
	return nil
}
