package agent

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"runtime"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/internal/utils"
	"github.com/dbtuneai/memadvisor/pkg/version"
)

// APIKeyHeader carries Options.APIKey on every outgoing request.
const APIKeyHeader = "MEMADVISOR-API-KEY"

type Options struct {
	Debug  bool
	APIKey string
	// Output defaults to stderr.
	Output io.Writer
}

// CommonAgent holds what every command shares: the logger, the HTTP client
// used for device tables and sinks, and the process start time.
type CommonAgent struct {
	logger    *log.Logger
	APIClient *retryablehttp.Client
	// Time the agent started
	StartTime string
	Version   string
}

func CreateCommonAgent(opts Options) *CommonAgent {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return "", fmt.Sprintf(" %s:%d", filename, f.Line)
		},
	})
	logger.SetReportCaller(true)
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	}

	if opts.Debug {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}

	client := retryablehttp.NewClient()
	// 30 retries, as the cap is 30seconds for the back-off wait time
	client.RetryMax = 30
	client.Logger = &utils.LeveledLogrus{Logger: logger}

	if opts.APIKey != "" {
		client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, retry int) {
			if req.Header.Get(APIKeyHeader) == "" {
				req.Header.Add(APIKeyHeader, opts.APIKey)
			}
		}
	}

	return &CommonAgent{
		logger:    logger,
		APIClient: client,
		StartTime: time.Now().UTC().Format(time.RFC3339),
		Version:   version.GetVersionOnly(),
	}
}

func (a *CommonAgent) Logger() *log.Logger {
	return a.logger
}
