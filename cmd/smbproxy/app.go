package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/absfs/smbproxy"
	"github.com/absfs/smbproxy/connstore"
	"github.com/absfs/smbproxy/mount"
	"github.com/absfs/smbproxy/prommetrics"
)

// app holds the process-wide state shared by every command.
type app struct {
	cfg      *Config
	logger   *slog.Logger
	store    *connstore.FileStore
	repo     *smbproxy.FileRepository
	registry *prometheus.Registry
	stdout   io.Writer
}

// newApp opens the connection store and builds the repository. A nil dialer
// connects to real SMB servers.
func newApp(cfg *Config, dialer smbproxy.SessionDialer, stdout, stderr io.Writer) (*app, error) {
	logger := newLogger(cfg.Logging, stderr)

	store, err := cfg.OpenStore()
	if err != nil {
		return nil, err
	}
	conns, err := smbproxy.LoadConnectionList(store)
	if err != nil {
		return nil, err
	}

	libLogger := printfLogger{logger: logger, level: slog.LevelWarn}
	if dialer == nil {
		dialer = &smbproxy.SMB2Dialer{Logger: libLogger}
	}

	registry := prometheus.NewRegistry()
	repoConfig := cfg.RepositoryConfig()
	repoConfig.Logger = libLogger
	repoConfig.Metrics = prommetrics.New(registry)

	repo, err := smbproxy.NewRepository(smbproxy.NewClient(dialer), conns, repoConfig)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		repo:     repo,
		registry: registry,
		stdout:   stdout,
	}, nil
}

func (a *app) Close() error {
	return a.repo.Close()
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "add":
		return a.runAdd(ctx, args)
	case "remove":
		return a.withArgs(args, 1, func(args []string) error {
			return a.repo.DeleteConnection(ctx, args[0])
		})
	case "list":
		return a.runList()
	case "check":
		return a.runCheck(ctx, args)
	case "ls":
		return a.withArgs(args, 1, func(args []string) error { return a.runLs(ctx, args[0]) })
	case "cat":
		return a.withArgs(args, 1, func(args []string) error { return a.runCat(ctx, args[0]) })
	case "mkdir", "touch":
		return a.withArgs(args, 1, func(args []string) error {
			u, err := smbproxy.ParseURI(args[0])
			if err != nil {
				return err
			}
			u = u.Parent().Child(u.Name(), command == "mkdir")
			_, err = a.repo.CreateFile(ctx, u.String())
			return err
		})
	case "rm":
		return a.withArgs(args, 1, func(args []string) error {
			deleted, err := a.repo.DeleteFile(ctx, args[0])
			if err == nil && !deleted {
				err = fmt.Errorf("%s: %w", args[0], os.ErrNotExist)
			}
			return err
		})
	case "mv", "cp":
		return a.withArgs(args, 2, func(args []string) error {
			op := a.repo.MoveFile
			if command == "cp" {
				op = a.repo.CopyFile
			}
			m, err := op(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("%s: %w", args[1], os.ErrNotExist)
			}
			fmt.Fprintln(a.stdout, m.URI)
			return nil
		})
	case "mount":
		return a.runMount(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) withArgs(args []string, n int, fn func([]string) error) error {
	if len(args) != n {
		return fmt.Errorf("expected %d argument(s), got %d", n, len(args))
	}
	return fn(args)
}

func (a *app) runAdd(ctx context.Context, args []string) error {
	var id, name, passwordEnv string
	var check bool

	flagSet := pflag.NewFlagSet("add", pflag.ContinueOnError)
	flagSet.StringVar(&id, "id", "", "connection ID (default: a new UUID)")
	flagSet.StringVar(&name, "name", "", "display name")
	flagSet.StringVar(&passwordEnv, "password-env", "", "read the password from this environment variable")
	flagSet.BoolVar(&check, "check", false, "refuse to add a connection that cannot be reached")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("add: expected a connection URI")
	}

	conn, err := smbproxy.ParseConnectionURI(flagSet.Arg(0))
	if err != nil {
		return err
	}
	conn.ID, conn.Name = id, name
	if conn.ID == "" {
		conn.ID = connstore.NewID()
	}
	if passwordEnv != "" {
		conn.Password = os.Getenv(passwordEnv)
	}

	if check && !a.repo.CheckConnection(ctx, *conn) {
		return fmt.Errorf("connection %s is not reachable", conn.RootURI())
	}
	if err := a.repo.SaveConnection(ctx, *conn); err != nil {
		return err
	}

	a.logger.Info("connection saved", "id", conn.ID, "uri", conn.RootURI().String())
	fmt.Fprintln(a.stdout, conn.ID)
	return nil
}

func (a *app) runList() error {
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tURI\tUSER")
	for _, c := range a.repo.Connections() {
		user := c.User
		if c.Anonymous {
			user = "(guest)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Name, c.RootURI(), user)
	}
	return w.Flush()
}

func (a *app) runCheck(ctx context.Context, ids []string) error {
	conns := a.repo.Connections()
	if len(ids) > 0 {
		byID := make(map[string]smbproxy.Connection, len(conns))
		for _, c := range conns {
			byID[c.ID] = c
		}
		conns = conns[:0:0]
		for _, id := range ids {
			c, ok := byID[id]
			if !ok {
				return fmt.Errorf("unknown connection %q", id)
			}
			conns = append(conns, c)
		}
	}

	failed := 0
	for _, c := range conns {
		status := "ok"
		if !a.repo.CheckConnection(ctx, c) {
			status = "unreachable"
			failed++
		}
		fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", c.ID, c.RootURI(), status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d connections unreachable", failed, len(conns))
	}
	return nil
}

func (a *app) runLs(ctx context.Context, uri string) error {
	m, err := a.repo.GetFile(ctx, uri)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%s: %w", uri, os.ErrNotExist)
	}

	entries := []*smbproxy.FileMetadata{m}
	if m.IsDirectory {
		entries = a.repo.GetFileChildren(ctx, m.URI)
	}

	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, e := range entries {
		name := e.Name
		if e.IsDirectory {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t\n", e.Mode(), e.Size, e.LastModified.Format(time.DateTime), name)
	}
	return w.Flush()
}

// runCat streams a file through a proxy descriptor, the same path a mounted
// read takes.
func (a *app) runCat(ctx context.Context, uri string) (err error) {
	cb, err := a.repo.OpenProxy(ctx, uri)
	if err != nil {
		return err
	}
	defer func() {
		if errno := cb.OnRelease(); errno != 0 && err == nil {
			err = errno
		}
	}()

	size, errno := cb.OnGetSize()
	if errno != 0 {
		return errno
	}

	const chunk = 64 * 1024
	for off := int64(0); off < size; {
		data, errno := cb.OnRead(uint64(off), chunk)
		if errno != 0 {
			return errno
		}
		if len(data) == 0 {
			break
		}
		if _, err := a.stdout.Write(data); err != nil {
			return err
		}
		off += int64(len(data))
	}
	return nil
}

func (a *app) runMount(ctx context.Context, args []string) error {
	mountpoint := a.cfg.Mount.Mountpoint
	if len(args) > 0 {
		mountpoint = args[0]
	}
	if mountpoint == "" {
		return fmt.Errorf("mount: no mountpoint given")
	}

	if a.cfg.Metrics.Enabled {
		stopMetrics := a.serveMetrics()
		defer stopMetrics()
	}

	server, err := mount.Mount(mount.Options{
		Mountpoint:   mountpoint,
		Repository:   a.repo,
		EntryTimeout: a.cfg.Mount.EntryTimeout,
		AttrTimeout:  a.cfg.Mount.AttrTimeout,
		AllowOther:   a.cfg.Mount.AllowOther,
		Debug:        a.cfg.Mount.Debug,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("unmounting", "mountpoint", mountpoint)
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmounting %s: %w", mountpoint, err)
		}
		<-done
	case <-done:
	}
	return nil
}

// serveMetrics exposes the registry on the configured address until the
// returned function is called.
func (a *app) serveMetrics() func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	server := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("metrics endpoint listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// runKeygen writes a new hex-encoded sealing key readable only by its owner.
func runKeygen(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("keygen: expected a key file path")
	}

	key := make([]byte, connstore.KeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}

	f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, hex.EncodeToString(key)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintln(stdout, args[0])
	return nil
}
