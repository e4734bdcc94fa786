package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroups/internal/config"
	"github.com/ryandielhenn/zephyrgroups/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroups/pkg/groups"
	"github.com/ryandielhenn/zephyrgroups/pkg/node"
	"github.com/ryandielhenn/zephyrgroups/pkg/registry"
	"github.com/ryandielhenn/zephyrgroups/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	path := flag.String("config", os.Getenv("ZG_CONFIG"), "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("exiting", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	telemetry.SetBuildInfo(version, gitSHA)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Transports and engine
	ts, sender := cfg.Transports(log)
	engine := groups.New(cfg.Engine(), ts, groups.WithLogger(log), groups.WithMemberName(cfg.Group.MemberName))
	log.Info("[Boot] connecting", zap.String("group", cfg.Group.Name))
	if err := engine.Connect(); err != nil {
		return err
	}
	defer func() {
		if err := engine.Disconnect(); err != nil {
			log.Warn("disconnect", zap.Error(err))
		}
	}()

	// 2. Join the group
	member, err := engine.JoinGroup(cfg.Group.Name, cfg.Group.Properties)
	if err != nil {
		return err
	}
	self := ts.AdvertiseAddr()
	log.Info("[Boot] joined", zap.String("member", member.GetMemberID()), zap.String("addr", self))

	// 3. Register with etcd and feed discovered peers to the TCP sender
	if len(cfg.Etcd.Endpoints) > 0 {
		cleanup, err := discover(ctx, cfg, log, member.GetMemberID(), self, sender)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	// 4. Admin HTTP
	n := node.NewNode(member, cfg.HTTP.Addr, cfg.HTTP.Recent, log)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: n.Handler()}
	errc := make(chan error, 1)
	go func() {
		log.Info("admin listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := engine.LeaveGroup(member); err != nil {
		log.Warn("leave", zap.Error(err))
	}
	return nil
}

func discover(ctx context.Context, cfg config.Config, log *zap.Logger, id, self string, sender *transport.TCPSender) (func(), error) {
	log.Info("[Boot] creating etcd client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	cli, err := registry.NewClient(cfg.Etcd.Endpoints)
	if err != nil {
		return nil, err
	}

	var cancelLease context.CancelFunc
	if self != "" {
		leaseID, cancel, err := registry.RegisterNode(cli, cfg.Group.Name, id, self, cfg.Etcd.LeaseTTL)
		if err != nil {
			cli.Close()
			return nil, err
		}
		cancelLease = func() {
			cancel()
			revokeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_, _ = cli.Revoke(revokeCtx, leaseID)
		}
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	go func() {
		err := registry.WatchPeers(watchCtx, cli, cfg.Group.Name, func(peers map[string]string) {
			addrs := make([]string, 0, len(peers)+len(cfg.TCP.Peers))
			addrs = append(addrs, cfg.TCP.Peers...)
			for pid, addr := range peers {
				log.Debug("[WatchPeers] peer", zap.String("member", pid), zap.String("addr", addr))
				addrs = append(addrs, addr)
			}
			addrs = node.NormalizePeers(addrs, self, "7000")
			if sender != nil {
				sender.SetPeers(addrs)
			}
			log.Info("[WatchPeers] peers updated", zap.Int("count", len(addrs)))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("peer watch stopped", zap.Error(err))
		}
	}()

	return func() {
		stopWatch()
		if cancelLease != nil {
			cancelLease()
		}
		cli.Close()
	}, nil
}
