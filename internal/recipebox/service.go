package recipebox

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/syndtr/goleveldb/leveldb"
)

// Service wires the page, its worker and their stores from a Config.
type Service struct {
	cfg Config

	db    *leveldb.DB
	redis *redis.Client

	metrics   *Metrics
	clients   *Clients
	mount     *Mount
	worker    *Worker
	container *Container
	page      *Page

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (_ *Service, err error) {
	s := &Service{
		cfg:     cfg,
		metrics: NewMetrics(),
		clients: NewClients(),
		mount:   &Mount{},
		stopCh:  make(chan struct{}),
	}
	defer func() {
		if err != nil {
			s.closeStores()
		}
	}()

	if cfg.Storage.Snapshot.Backend == "leveldb" || cfg.Storage.Cache.Backend == "leveldb" {
		s.db, err = leveldb.OpenFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", cfg.Storage.Path, err)
		}
	}

	kv, err := s.snapshotStore()
	if err != nil {
		return nil, err
	}
	storage, err := s.cacheStorage()
	if err != nil {
		return nil, err
	}

	network := newNetworkTransport()

	s.worker, err = NewWorker(WorkerOptions{
		Origin:         cfg.Server.Origin,
		CacheName:      cfg.Storage.Cache.Name,
		Sources:        cfg.Sources,
		VaryHeaders:    cfg.Worker.VaryHeaders,
		MaxObjectBytes: cfg.Storage.Cache.maxObjectBytes,
		Storage:        storage,
		Network:        network,
		Clients:        s.clients,
		Metrics:        s.metrics,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.Worker.Disabled {
		s.container, err = NewContainer(cfg.Server.Origin, s.registrationStore())
		if err != nil {
			return nil, err
		}
		s.container.Deploy(cfg.Worker.Script, s.worker)
		// Before the page opens, so it starts out controlled.
		if n := s.container.Restore(context.Background()); n > 0 {
			log.Printf("restored %d worker registrations", n)
		}
	}

	s.page, err = NewPage(PageOptions{
		URL: cfg.Server.Origin + "/",
		Loader: &Loader{
			Sources: cfg.Sources,
			Store:   kv,
			Key:     cfg.Storage.Snapshot.Key,
			Metrics: s.metrics,
		},
		Renderer:  &Renderer{Mount: s.mount},
		Clients:   s.clients,
		Container: s.container,
		Script:    cfg.Worker.Script,
		Network:   network,
	})
	if err != nil {
		return nil, err
	}

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

func (s *Service) snapshotStore() (KV, error) {
	switch s.cfg.Storage.Snapshot.Backend {
	case "memory":
		return NewMemKV(), nil
	case "redis":
		client, err := newRedisClient(s.cfg.Redis.Addr, s.cfg.Redis.Password, s.cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		s.redis = client
		return NewRedisKV(client, "recipebox:"), nil
	default:
		return NewLevelKV(s.db), nil
	}
}

// registrationStore keeps registrations only where the cache itself
// survives a restart.
func (s *Service) registrationStore() KV {
	switch {
	case s.cfg.Storage.Cache.Backend == "memory":
		return NewMemKV()
	case s.db != nil:
		return newLevelKV(s.db, "r:")
	case s.redis != nil:
		return NewRedisKV(s.redis, "recipebox:registration:")
	default:
		return NewMemKV()
	}
}

func (s *Service) cacheStorage() (CacheStorage, error) {
	switch s.cfg.Storage.Cache.Backend {
	case "memory":
		return NewMemoryStorage(), nil
	case "s3":
		client, err := newS3Client(context.Background(), s.cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Storage(s.cfg.S3.Bucket, s.cfg.S3.Prefix, client), nil
	default:
		return NewLevelStorage(s.db), nil
	}
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
	}
	if cfg.S3.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
	}), nil
}

func newNetworkTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = 30 * time.Second
	return t
}

// Load runs the page load: registration in the background, recipes rendered
// into the mount.
func (s *Service) Load(ctx context.Context) {
	s.page.Load(ctx)
}

// Start runs Load in the background. Close waits for it.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Load(ctx)
	}()
}

func (s *Service) Page() *Page { return s.page }

func (s *Service) Worker() *Worker { return s.worker }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("GET /{$}", s.page.Handler())
	mux.Handle("/", s.worker)
	return mux
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.page.Wait()
	s.page.Close()
	s.closeStores()
}

func (s *Service) closeStores() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.worker.statsSnapshot()
			entries := "n/a"
			if n, ok := s.worker.cachedEntries(context.Background()); ok {
				entries = fmt.Sprint(n)
			}
			log.Printf(
				"Worker %s: state %s, cached entries %s, hits %d, misses %d, stored %d (%s), fallbacks %d",
				s.cfg.Storage.Cache.Name,
				s.worker.State(),
				entries,
				ss.Hits,
				ss.Misses,
				ss.Stored,
				formatBytes(ss.StoredBytes),
				ss.Fallbacks,
			)
		}
	}
}
