package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IR1DO/scm-app-server/auth"
	"github.com/IR1DO/scm-app-server/cluster"
	"github.com/IR1DO/scm-app-server/store"
	"github.com/IR1DO/scm-app-server/ws"
)

const (
	kafkaGroupPrefix = "scm-gateway"

	// room for the routing envelope and sender profile around a chat.
	routedEnvelopeBytes = 1024
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "scm-gateway.pid", "pid file")

	flagStore    = flag.String("store", "bolt", "conversation store: mysql or bolt")
	flagMysqlDsn = flag.String("mysql-dsn", "", "mysql server dsn, default $MYSQL_DSN")
	flagBoltPath = flag.String("bolt-path", "scm.db", "bolt database file")

	flagJwtSecret = flag.String("jwt-secret", "", "HS256 secret of access tokens, default $JWT_SECRET")

	flagCluster      = flag.String("cluster", "standalone", "cluster mode: standalone or kafka")
	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	flagKafkaTopic   = flag.String("kafka-topic", "scm-chats", "kafka topic to route chats between nodes")

	flagMaxMsgSize     = flag.Int64("max-msg-size", 4096, "websocket max message size to read, in bytes")
	flagMaxTextLen     = flag.Int("max-text-len", 2000, "max characters of a chat text")
	flagSendBuffer     = flag.Int("send-buffer", 16, "per connection send buffer, a full buffer evicts the connection")
	flagAllowedOrigins = flag.String("allowed-origins", "*", "comma separated allowed websocket origins, `*` allows all")

	flagDevProfiles = flag.String("dev-profiles", "", "comma separated id:name profiles to put on start, for local demo")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

// chatStore is what both store implementations provide.
type chatStore interface {
	store.IConversationStore
	store.IUserDirectory
}

func main() {
	envErr := godotenv.Load()
	flag.Parse()

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		glog.Errorf(".env: %v", envErr)
	}

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	envDefault(flagMysqlDsn, "MYSQL_DSN",
		"root:@tcp(127.0.0.1:3306)/scm?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci&multiStatements=true")
	envDefault(flagJwtSecret, "JWT_SECRET", "")

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	st, err := openStore()
	if err != nil {
		return errorf("open %s store: %v", *flagStore, err)
	}

	if err := putDevProfiles(st, *flagDevProfiles); err != nil {
		_ = st.Close()
		return errorf("--dev-profiles: %v", err)
	}

	glog.Info("scm gateway is starting")

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	registry := ws.NewRegistry()

	cc := &cluster.ClusterCfg{
		Pid:   pid,
		Addr:  *flagAddr,
		Local: registry,
		Mux:   mux,

		KafkaBrokers: strings.Split(*flagKafkaBrokers, ","),
		KafkaTopic:   *flagKafkaTopic,
		KafkaGroupId: kafkaGroupId(),

		RoutedMaxBytes: int(*flagMaxMsgSize) + routedEnvelopeBytes,
	}

	var clusterImpl cluster.ICluster
	if *flagCluster == "kafka" {
		clusterImpl = cluster.NewCluster(cc)
	} else {
		clusterImpl = cluster.NewStandalone(cc)
	}

	hub := ws.NewHub(
		auth.NewJWTVerifier(*flagJwtSecret),
		registry,
		ws.NewRelay(st, st, clusterImpl, *flagMaxTextLen),
		ws.NewChatApi(st, st),
		&ws.Conf{
			MaxMsgSize:     *flagMaxMsgSize,
			SendBuffer:     *flagSendBuffer,
			AllowedOrigins: strings.Split(*flagAllowedOrigins, ","),
		})
	cc.Hub = hub
	mux.Handle("/socket-message", hub)

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go clusterImpl.Run(ctx, stopNotifyChan)

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("scm gateway is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func(prof *Profiler) {
				if prof != nil {
					prof.Stop()
				}
				cancel()
				<-stopNotifyChan
				close(stopNotifyChan)
				if err := st.Close(); err != nil {
					glog.Errorf("close store: %v", err)
				}
				signal.Stop(sigCh)
				close(sigCh)
			}(prof)
		}
	}

	glog.Info("scm gateway exited")
	return 0
}

func openStore() (chatStore, error) {
	if *flagStore == "bolt" {
		glog.Infof("open bolt store %s", *flagBoltPath)
		return store.NewBoltStore(*flagBoltPath)
	}

	db, err := sql.Open("mysql", *flagMysqlDsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %v", err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %v", err)
	}

	if _, err := store.Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store.NewSQLStore(db), nil
}

func putDevProfiles(users store.IUserDirectory, s string) error {
	if s == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, v := range strings.Split(s, ",") {
		id, name, _ := strings.Cut(strings.TrimSpace(v), ":")
		if id == "" {
			return fmt.Errorf("empty id in %q", v)
		}
		if err := users.PutProfile(ctx, &store.Profile{Id: id, Name: name}); err != nil {
			return err
		}
	}
	return nil
}

// kafkaGroupId is unique per node: every node consumes every routed chat.
func kafkaGroupId() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s_%s_%s", kafkaGroupPrefix, host, strings.ReplaceAll(*flagAddr, ":", "_"))
}

func envDefault(flagValue *string, key, fallback string) {
	if *flagValue != "" {
		return
	}
	if v := os.Getenv(key); v != "" {
		*flagValue = v
	} else {
		*flagValue = fallback
	}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	if *flagJwtSecret == "" {
		return errorf("--jwt-secret or $JWT_SECRET is required")
	}

	switch *flagStore {
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	default:
		return errorf("--store: expect mysql or bolt, got %q", *flagStore)
	}

	switch *flagCluster {
	case "standalone":
	case "kafka":
		if *flagKafkaBrokers == "" {
			return errorf("--kafka-brokers is required")
		}
		if *flagKafkaTopic == "" {
			return errorf("--kafka-topic is required")
		}
	default:
		return errorf("--cluster: expect standalone or kafka, got %q", *flagCluster)
	}

	if *flagMaxMsgSize < 512 || *flagMaxMsgSize > 1<<20 {
		return errorf("--max-msg-size MUST in range [512, %d]", 1<<20)
	}
	if *flagMaxTextLen <= 0 || int64(*flagMaxTextLen) >= *flagMaxMsgSize {
		return errorf("--max-text-len MUST be positive and less than --max-msg-size")
	}
	if *flagSendBuffer < 1 || *flagSendBuffer > 1024 {
		return errorf("--send-buffer MUST in range [1, 1024]")
	}

	return 0
}

// validateAddr accepts only loopback or private listen addresses, the
// gateway sits behind a proxy.
func validateAddr(s string) error {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return fmt.Errorf("--addr `%s`: %v", s, err)
	}
	if addr := ap.Addr(); !addr.IsLoopback() && !addr.IsPrivate() {
		return fmt.Errorf("--addr `%s`: %s is neither loopback nor private", s, addr)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

// savePid writes pid to name unless the file names a live process.
func savePid(name string, pid int) error {
	oldPid, err := readPid(name)
	switch {
	case err != nil:
		return fmt.Errorf("pid file: %w", err)
	case oldPid > 0 && pidAlive(oldPid):
		return fmt.Errorf("pid file: %s is held by running process %d", name, oldPid)
	case oldPid > 0:
		glog.Infof("pid file: replace stale pid %d", oldPid)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)+"\n"), 0600); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	glog.Infof("pid file: %s saved, pid: %d", name, pid)
	return nil
}

// readPid returns 0 if name is missing or empty.
func readPid(name string) (int, error) {
	content, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	v := strings.TrimSpace(string(content))
	if v == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bad pid in %s: %q", name, v)
	}
	return pid, nil
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer proc.Release()
	return proc.Signal(syscall.Signal(0)) == nil
}
