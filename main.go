package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsync/global/config"
	"marketsync/logger"
	"marketsync/module/order"
	"marketsync/module/session"
	"marketsync/service/nacos"
	"marketsync/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	var (
		cfgPath    string
		credential string
	)
	flag.StringVar(&cfgPath, "config", "", "path to a YAML config file")
	flag.StringVar(&credential, "credential", "", "session credential (overrides config and env)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()
	ids.SetNodeID(cfg.NodeID)
	if credential == "" {
		credential = cfg.Credential
	}

	if src := cfg.Remote.Source(); src.Enabled() && cfg.Remote.Watch {
		stopWatch, err := nacos.Watch(src, func(raw []byte) {
			next := *cfg
			if err := config.Overlay(&next, raw); err != nil {
				logger.Warn("ignore remote config revision", zap.Error(err))
				return
			}
			logger.SetLevel(next.LogLevel)
		})
		if err != nil {
			logger.Warn("watch remote config", zap.Error(err))
		} else {
			defer stopWatch()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notify := order.NotifierFunc(func(n order.Notification) {
		logger.Info("order notification", zap.String("order", n.OrderID), zap.String("status", string(n.Status)), zap.String("text", n.Text))
	})
	s, err := session.Open(ctx, cfg, credential, session.Options{Notifier: notify})
	if err != nil {
		logger.Error("open session", zap.Error(err))
		os.Exit(1)
	}
	defer s.Close()

	logger.Info("orders loaded",
		zap.Int("active", len(s.Orders.Active())),
		zap.Int("delivered", len(s.Orders.Delivered())),
		zap.Int("closed", len(s.Orders.Closed())),
		zap.Int("unread", s.Conversations.TotalUnread()))

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: opsRouter(s)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

func opsRouter(s *session.Session) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user":    s.Identity.UserID,
			"role":    s.Role,
			"channel": s.Channel.State().String(),
			"unread":  s.Conversations.TotalUnread(),
		})
	})
	return r
}
