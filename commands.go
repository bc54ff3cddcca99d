package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/keepalive"

	"github.com/smartrent/chaincode/internal/config"
	"github.com/smartrent/chaincode/internal/logger"
	"github.com/smartrent/chaincode/internal/metrics"
	"github.com/smartrent/chaincode/internal/platform"
)

const (
	serviceName      = "smartrent-cc"
	chaincodeVersion = "1.0.0"
)

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "SmartRent rental platform chaincode",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath), "path to the YAML configuration file")

	cmd.AddCommand(
		startCmd(&configPath),
		serveCmd(&configPath),
	)
	return cmd
}

// startCmd runs the chaincode under a peer, which supplies the
// chaincode id and peer address through CORE_* variables.
func startCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the chaincode launched by a Fabric peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			rt.logger.Info("starting chaincode", zap.String("mode", "peer"))
			if err := rt.chaincode.Start(); err != nil {
				return fmt.Errorf("error starting chaincode: %w", err)
			}
			return nil
		},
	}
}

// serveCmd runs the chaincode as a service the peer connects to.
func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chaincode as an external chaincode server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.cfg.ValidateServer(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			tlsProps, err := loadTLS(rt.cfg.TLS)
			if err != nil {
				return err
			}

			server := &shim.ChaincodeServer{
				CCID:     rt.cfg.Chaincode.ID,
				Address:  rt.cfg.Chaincode.Address,
				CC:       rt.chaincode,
				TLSProps: tlsProps,
				KaOpts: &keepalive.ServerParameters{
					Time:    rt.cfg.Keepalive.Time,
					Timeout: rt.cfg.Keepalive.Timeout,
				},
			}
			rt.logger.Info("starting chaincode server",
				zap.String("mode", "server"),
				zap.String("ccid", server.CCID),
				zap.String("address", server.Address),
				zap.Bool("tls", !tlsProps.Disabled),
			)
			if err := server.Start(); err != nil {
				return fmt.Errorf("error starting chaincode server: %w", err)
			}
			return nil
		},
	}
}

// runtime is everything a command needs to run the contract.
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	chaincode *contractapi.ContractChaincode
	metrics   *http.Server
}

func newRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	var m *metrics.Metrics
	rt := &runtime{cfg: cfg, logger: log}
	if cfg.Metrics.Enabled {
		m = metrics.NewDefault()
		rt.metrics = serveMetrics(cfg.Metrics, m, log)
	}

	p := platform.New(platform.WithLogger(log), platform.WithMetrics(m))
	rt.chaincode, err = contractapi.NewChaincode(platform.NewContract(p))
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("error creating smartrent chaincode: %w", err)
	}
	rt.chaincode.Info.Title = "SmartRent"
	rt.chaincode.Info.Description = "Decentralized rental platform: listings, escrow, arbitration, subscriptions and reputation"
	rt.chaincode.Info.Version = chaincodeVersion
	return rt, nil
}

func (rt *runtime) close() {
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.metrics.Shutdown(ctx); err != nil {
			rt.logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}

func serveMetrics(cfg config.MetricsConfig, m *metrics.Metrics, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving metrics", zap.String("address", cfg.Address), zap.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func loadTLS(cfg config.TLSConfig) (shim.TLSProperties, error) {
	if cfg.Disabled {
		return shim.TLSProperties{Disabled: true}, nil
	}
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return shim.TLSProperties{}, fmt.Errorf("failed to read tls key: %w", err)
	}
	cert, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return shim.TLSProperties{}, fmt.Errorf("failed to read tls cert: %w", err)
	}
	props := shim.TLSProperties{Key: key, Cert: cert}
	if cfg.ClientCACertFile != "" {
		if props.ClientCACerts, err = os.ReadFile(cfg.ClientCACertFile); err != nil {
			return shim.TLSProperties{}, fmt.Errorf("failed to read client CA cert: %w", err)
		}
	}
	return props, nil
}
