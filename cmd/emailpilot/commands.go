// ABOUTME: Setup and maintenance subcommands: init, migrate, user-add, token, prune-runs, health
// ABOUTME: Each opens the configured SQLite store directly, the server need not be running

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/winatecommerce96/emailpilot/internal/auth"
	"github.com/winatecommerce96/emailpilot/internal/config"
	"github.com/winatecommerce96/emailpilot/internal/server"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

// runInit writes a starter config with a freshly generated JWT secret.
func runInit(args []string) error {
	flags, _, err := parseFlags(args, flagSpec{"force": false})
	if err != nil {
		return err
	}
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil && flags["force"] == "" {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}
	dbPath := filepath.Join(getDataPath(), "emailpilot.db")
	content := strings.Replace(config.Starter(dbPath), `"${EMAILPILOT_JWT_SECRET}"`, strconv.Quote(secret), 1)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Printf("    Database: %s\n", dbPath)
	fmt.Println()
	yellow.Println("  Next steps:")
	fmt.Println("    emailpilot migrate")
	fmt.Println("    emailpilot user-add --email you@example.com --role owner")
	fmt.Println("    emailpilot serve")
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func openStore() (*store.SQLiteStore, *config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return st, cfg, nil
}

// runMigrate opens the database, which creates and upgrades the schema.
func runMigrate() error {
	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	if err := st.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Database schema is current: %s\n", cfg.Database.Path)
	return nil
}

// userAdder is the slice of the store that user-add needs.
type userAdder interface {
	CreateUser(ctx context.Context, u *store.User) error
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

func addUser(ctx context.Context, st userAdder, email string, role store.Role, password string) (*store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("--email is required")
	}
	if !store.ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q (owner, admin or member)", role)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &store.User{Email: email, PasswordHash: hash, Role: role}
	if err := st.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("user %s already exists", email)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	if err := st.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      store.ActorSystem,
		Action:     store.AuditCreateUser,
		TargetType: "user",
		TargetID:   u.ID,
		Detail:     map[string]any{"email": u.Email, "role": string(u.Role)},
	}); err != nil {
		return nil, fmt.Errorf("recording audit entry: %w", err)
	}
	return u, nil
}

// readPassword takes the first line of r. Prompting is left to the caller.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runUserAdd(ctx context.Context, args []string, stdin io.Reader) error {
	flags, _, err := parseFlags(args, flagSpec{"email": true, "role": true})
	if err != nil {
		return err
	}
	role := store.Role(flags["role"])
	if role == "" {
		role = store.RoleMember
	}

	if f, ok := stdin.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			fmt.Fprint(os.Stderr, "Password: ")
		}
	}
	password, err := readPassword(stdin)
	if err != nil {
		return err
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := addUser(ctx, st, flags["email"], role, password)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Created %s %s (%s)\n", u.Role, u.Email, u.ID)
	return nil
}

func runToken(ctx context.Context, args []string) error {
	flags, _, err := parseFlags(args, flagSpec{"email": true, "ttl": true})
	if err != nil {
		return err
	}
	if flags["email"] == "" {
		return errors.New("usage: token --email EMAIL [--ttl DURATION]")
	}

	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	ttl := cfg.Auth.TokenTTL
	if v := flags["ttl"]; v != "" {
		if ttl, err = parseAge(v); err != nil {
			return fmt.Errorf("invalid --ttl: %w", err)
		}
	}

	user, err := st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(flags["email"])))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no user with email %s", flags["email"])
		}
		return fmt.Errorf("looking up user: %w", err)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(user.ID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Fprintln(os.Stderr)
	cyan.Fprintf(os.Stderr, "  User:     %s (%s)\n", user.Email, user.Role)
	cyan.Fprintf(os.Stderr, "  Expires:  %s\n", time.Now().Add(ttl).UTC().Format(time.RFC3339))
	fmt.Fprintln(os.Stderr)
	fmt.Println(token)
	return nil
}

// parseAge accepts Go durations plus a whole-day suffix, e.g. "720h" or "30d".
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// runPruner is the slice of the store that prune-runs needs.
type runPruner interface {
	PruneRuns(ctx context.Context, cutoff time.Time) (int, error)
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

func pruneRuns(ctx context.Context, st runPruner, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan)
	n, err := st.PruneRuns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	if err := st.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      store.ActorSystem,
		Action:     store.AuditPruneRuns,
		TargetType: "run",
		Detail:     map[string]any{"cutoff": cutoff.UTC().Format(time.RFC3339), "deleted": n},
	}); err != nil {
		return n, fmt.Errorf("recording audit entry: %w", err)
	}
	return n, nil
}

func runPruneRuns(ctx context.Context, args []string) error {
	flags, _, err := parseFlags(args, flagSpec{"older-than": true})
	if err != nil {
		return err
	}
	if flags["older-than"] == "" {
		return errors.New("usage: prune-runs --older-than DURATION (e.g. 720h or 30d)")
	}
	age, err := parseAge(flags["older-than"])
	if err != nil {
		return fmt.Errorf("invalid --older-than: %w", err)
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := pruneRuns(ctx, st, age, time.Now())
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Pruned %d run(s) older than %s\n", n, age)
	return nil
}

// runHealth checks HTTP readiness and, when configured, the gRPC health service.
func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := checkHTTP(ctx, "http://"+cfg.Server.HTTPAddr+"/health/ready"); err != nil {
		return err
	}
	if cfg.Server.GRPCAddr != "" {
		if err := checkGRPC(ctx, cfg.Server.GRPCAddr); err != nil {
			return err
		}
	}
	fmt.Println("healthy")
	return nil
}

func checkHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func checkGRPC(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to gRPC: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return fmt.Errorf("gRPC health check failed: %w", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("gRPC unhealthy: %s", resp.Status)
	}
	return nil
}
