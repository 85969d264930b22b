// Command raffled runs the raffle daemon and its maintenance tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v2"

	"github.com/R3E-Network/raffle_layer/internal/app/runtime"
	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/internal/middleware"
	"github.com/R3E-Network/raffle_layer/internal/platform/migrations"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "raffled:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "raffled",
		Usage: "custodial raffle engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "network",
				Usage: "network profile to run against (overrides RAFFLE_NETWORK)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			checkCommand(),
			tokenCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.IsSet("network") {
		cfg.Network = c.String("network")
	}
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the raffle engine, keeper and HTTP API",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := runtime.NewApplication(ctx, cfg)
			if err != nil {
				return err
			}
			runErr := application.Run(ctx)
			if err := application.Shutdown(context.Background()); err != nil {
				return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
			}
			return runErr
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply or roll back the PostgreSQL schema",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "down", Usage: "roll back every migration"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			db, err := runtime.OpenDatabase(c.Context, cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if c.Bool("down") {
				if err := migrations.Down(db); err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, "migrations rolled back")
				return nil
			}
			if err := migrations.Up(db); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "migrations applied")
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "report whether a running daemon's round is ready to settle",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "daemon base URL"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second},
		},
		Action: func(c *cli.Context) error {
			client := &http.Client{Timeout: c.Duration("timeout")}
			report, err := fetchReadiness(c.Context, client, c.String("url"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, report)
			return nil
		},
	}
}

func fetchReadiness(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/raffle/upkeep", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query daemon: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("daemon returned %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
	}
	r := gjson.GetBytes(body, "readiness")
	return fmt.Sprintf("upkeep_needed=%t open=%t time_passed=%t has_players=%t has_balance=%t",
		gjson.GetBytes(body, "upkeep_needed").Bool(),
		r.Get("is_open").Bool(),
		r.Get("time_passed").Bool(),
		r.Get("has_players").Bool(),
		r.Get("has_balance").Bool(),
	), nil
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a coordinator token for POST /raffle/fulfill",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "ttl", Value: time.Hour},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Coordinator.JWTSecret == "" {
				return errors.New("COORDINATOR_JWT_SECRET is not set")
			}
			token, err := middleware.IssueCoordinatorToken([]byte(cfg.Coordinator.JWTSecret), cfg.Coordinator.ID, c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}
