// Command atomkv_server exposes the transaction coordinator over a simple
// line-oriented TCP protocol. It exists for manual poking and as the
// counterpart of atomkv_cli; the coordinator itself is a library.
//
// Protocol (one command per line):
//
//	PUT <table> <key> <value...>
//	GET <table> <key>
//	DEL <table> <key>
//	BEGIN                          pre-register a batched transaction
//	QUEUE <INSERT|UPDATE|DELETE> <table> <key> [value...]
//	EXEC                           execute the pending batch
//	RECOVER <txn_id>
//	METRICS
//	LOG
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/mitul-kalra/atomkv/core/storage"
	"github.com/mitul-kalra/atomkv/core/transaction"
	"github.com/mitul-kalra/atomkv/pkg/logger"
	"github.com/mitul-kalra/atomkv/pkg/telemetry"
)

// ServerConfig is the YAML configuration for the server binary.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	TxnLogPath string `yaml:"txn_log_path"`
	// RateLimitPerConn caps commands per second on each client connection.
	// Zero disables limiting.
	RateLimitPerConn float64          `yaml:"rate_limit_per_conn"`
	Log              logger.Config    `yaml:"log"`
	Telemetry        telemetry.Config `yaml:"telemetry"`
}

func defaultConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:       "localhost:7400",
		DataDir:          "data/atomkv",
		RateLimitPerConn: 100,
		Log:              logger.Config{Level: "info", Format: "console"},
		Telemetry:        telemetry.Config{ServiceName: "atomkv"},
	}
}

func loadConfig(path string) (ServerConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// server holds the per-process state shared by all connections.
type server struct {
	coord  *transaction.Coordinator
	cfg    ServerConfig
	logger *zap.Logger
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atomkv_server: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atomkv_server: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	eng, err := storage.Open(storage.Options{Dir: cfg.DataDir, Logger: log})
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer eng.Close()

	coord, err := transaction.NewCoordinator(eng, transaction.Config{
		LogPath: cfg.TxnLogPath,
		Logger:  log,
		Meter:   tel.Meter,
		Tracer:  tel.Tracer,
	})
	if err != nil {
		log.Fatal("Failed to build coordinator", zap.Error(err))
	}
	defer coord.Close()

	srv := &server{coord: coord, cfg: cfg, logger: log.Named("server")}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal("Failed to listen", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}
	defer listener.Close()

	srv.logger.Info("AtomKV server listening", zap.String("addr", cfg.ListenAddr))

	for {
		conn, err := listener.Accept()
		if err != nil {
			srv.logger.Error("Failed to accept connection", zap.Error(err))
			continue
		}
		go srv.handleConnection(conn)
	}
}

// handleConnection serves one client until it disconnects.
func (s *server) handleConnection(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.logger.Info("Client connected", zap.String("remote", remote))

	var limiter *rate.Limiter
	if s.cfg.RateLimitPerConn > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerConn), int(s.cfg.RateLimitPerConn))
	}

	// pendingBatch is the id returned by BEGIN, consumed by EXEC/RECOVER.
	var pendingBatch string

	reader := bufio.NewReader(conn)
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.logger.Info("Client disconnected", zap.String("remote", remote))
			} else {
				s.logger.Error("Failed to read from client", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(context.Background()); err != nil {
				return
			}
		}

		reply := s.dispatch(line, &pendingBatch)
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			s.logger.Error("Failed to write response", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}

// dispatch parses and executes one command line.
func (s *server) dispatch(line string, pendingBatch *string) string {
	ctx := context.Background()
	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])

	switch cmd {
	case "PUT":
		if len(parts) < 4 {
			return "ERROR PUT requires <table> <key> <value>"
		}
		table, key := parts[1], parts[2]
		value := strings.Join(parts[3:], " ")
		err := s.coord.ExecuteWriteTransaction(ctx, func(tx *storage.WriteTxn) error {
			return tx.OpenTable(table).Insert([]byte(key), []byte(value))
		})
		if err != nil {
			return fmt.Sprintf("ERROR %v", err)
		}
		return "OK"

	case "GET":
		if len(parts) != 3 {
			return "ERROR GET requires <table> <key>"
		}
		var value []byte
		var found bool
		err := s.coord.ExecuteReadTransaction(ctx, func(tx *storage.ReadTxn) error {
			var err error
			value, found, err = tx.OpenTable(parts[1]).Get([]byte(parts[2]))
			return err
		})
		if err != nil {
			return fmt.Sprintf("ERROR %v", err)
		}
		if !found {
			return "NOT_FOUND"
		}
		return fmt.Sprintf("OK %s", value)

	case "DEL":
		if len(parts) != 3 {
			return "ERROR DEL requires <table> <key>"
		}
		err := s.coord.ExecuteWriteTransaction(ctx, func(tx *storage.WriteTxn) error {
			return tx.OpenTable(parts[1]).Remove([]byte(parts[2]))
		})
		if err != nil {
			return fmt.Sprintf("ERROR %v", err)
		}
		return "OK"

	case "BEGIN":
		opts := transaction.DefaultOptions()
		opts.EnableBatching = true
		opts.EnableRecovery = true
		id := s.coord.StartTransaction(opts)
		*pendingBatch = id
		return fmt.Sprintf("OK %s", id)

	case "QUEUE":
		if len(parts) < 4 {
			return "ERROR QUEUE requires <INSERT|UPDATE|DELETE> <table> <key> [value]"
		}
		op := transaction.BatchOperation{Table: parts[2], Key: []byte(parts[3])}
		switch strings.ToUpper(parts[1]) {
		case "INSERT":
			op.Kind = transaction.BatchInsert
		case "UPDATE":
			op.Kind = transaction.BatchUpdate
		case "DELETE":
			op.Kind = transaction.BatchDelete
		default:
			return "ERROR unknown batch operation kind"
		}
		if op.Kind != transaction.BatchDelete {
			if len(parts) < 5 {
				return "ERROR INSERT/UPDATE require a value"
			}
			op.Value = []byte(strings.Join(parts[4:], " "))
		}
		if err := s.coord.AddBatchOperation(op); err != nil {
			return fmt.Sprintf("ERROR %v", err)
		}
		return "OK"

	case "EXEC":
		if *pendingBatch == "" {
			return "ERROR no pending batch; BEGIN first"
		}
		opts := transaction.DefaultOptions()
		opts.EnableBatching = true
		opts.EnableRecovery = true
		err := s.coord.ExecuteWriteTransactionWithOptions(ctx, func(tx *storage.WriteTxn) error {
			return nil
		}, opts)
		if err != nil {
			return fmt.Sprintf("ERROR %v", err)
		}
		id := *pendingBatch
		*pendingBatch = ""
		return fmt.Sprintf("OK %s", id)

	case "RECOVER":
		if len(parts) != 2 {
			return "ERROR RECOVER requires <txn_id>"
		}
		if err := s.coord.RecoverTransaction(parts[1]); err != nil {
			return fmt.Sprintf("ERROR %v", err)
		}
		*pendingBatch = parts[1]
		return "OK"

	case "METRICS":
		m := s.coord.TransactionMetricsSnapshot()
		if m == nil {
			return "ERROR no transactions logged yet"
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Sprintf("ERROR %v", err)
		}
		return fmt.Sprintf("OK %s", raw)

	case "LOG":
		entries := s.coord.TransactionLogEntries()
		return fmt.Sprintf("OK %d entries", len(entries))

	default:
		return "ERROR unknown command"
	}
}
