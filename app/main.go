package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/contentsync/syncd/app/conditions"
	"github.com/contentsync/syncd/app/jobs"
	"github.com/contentsync/syncd/app/notify"
	"github.com/contentsync/syncd/app/repo"
	"github.com/contentsync/syncd/app/retry"
	"github.com/contentsync/syncd/app/service"
	"github.com/contentsync/syncd/app/sources"
	"github.com/contentsync/syncd/app/web"
)

var opts struct {
	SourcesFile    string        `short:"f" long:"sources" env:"SYNCD_SOURCES" default:"sources.yml" description:"sources definition file"`
	UpdateEnable   bool          `short:"u" long:"update" env:"SYNCD_UPDATE" description:"watch sources file and reload on change"`
	UpdateInterval time.Duration `long:"update-interval" env:"SYNCD_UPDATE_INTERVAL" default:"10s" description:"sources file check interval"`
	Resync         bool          `long:"resync" env:"SYNCD_RESYNC" description:"run all scheduled sources once on start"`
	ResyncWorkers  int           `long:"resync-workers" env:"SYNCD_RESYNC_WORKERS" default:"4" description:"parallel initial resync runs"`
	DeDup          bool          `long:"dedup" env:"SYNCD_DEDUP" description:"prevent duplicated runs of the same source"`
	LogPrefix      bool          `long:"log-prefix" env:"SYNCD_LOG_PREFIX" description:"prefix command output with source name"`
	Dbg            bool          `long:"dbg" env:"SYNCD_DEBUG" description:"debug mode"`

	Repo struct {
		URL          string        `long:"url" env:"URL" description:"content repository url"`
		Branch       string        `long:"branch" env:"BRANCH" default:"main" description:"branch to sync"`
		Token        string        `long:"token" env:"TOKEN" description:"access token for https auth"`
		Dir          string        `long:"dir" env:"DIR" default:"var/workcopy" description:"working copy location"`
		AuthorName   string        `long:"author-name" env:"AUTHOR_NAME" default:"syncd" description:"commit author name"`
		AuthorEmail  string        `long:"author-email" env:"AUTHOR_EMAIL" default:"syncd@localhost" description:"commit author email"`
		CommitPrefix string        `long:"commit-prefix" env:"COMMIT_PREFIX" default:"[sync]" description:"commit message prefix"`
		LockRetry    time.Duration `long:"lock-retry" env:"LOCK_RETRY" default:"1s" description:"working copy lock retry interval"`
	} `group:"repo" namespace:"repo" env-namespace:"SYNCD_REPO"`

	Retry struct {
		Max       int           `long:"max" env:"MAX" default:"3" description:"max retries for transient errors"`
		BaseDelay time.Duration `long:"base-delay" env:"BASE_DELAY" default:"1s" description:"initial backoff delay"`
		MaxDelay  time.Duration `long:"max-delay" env:"MAX_DELAY" default:"30s" description:"backoff delay cap"`
		Quiet     bool          `long:"quiet" env:"QUIET" description:"disable error logging on each recorded failure"`
	} `group:"retry" namespace:"retry" env-namespace:"SYNCD_RETRY"`

	Push struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times repeat failed push"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"push" namespace:"push" env-namespace:"SYNCD_PUSH"`

	Jobs struct {
		Retention     time.Duration `long:"retention" env:"RETENTION" default:"24h" description:"how long finished jobs stay queryable"`
		SweepInterval time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"1h" description:"expired jobs cleanup interval"`
	} `group:"jobs" namespace:"jobs" env-namespace:"SYNCD_JOBS"`

	Web struct {
		Enabled  bool   `long:"enabled" env:"ENABLED" description:"enable json api server"`
		Listen   string `long:"listen" env:"LISTEN" default:":8080" description:"api listen address"`
		AuthHash string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash of api password, empty disables auth"`
	} `group:"web" namespace:"web" env-namespace:"SYNCD_WEB"`

	Conditions struct {
		DiskPath string `long:"disk-path" env:"DISK_PATH" default:"/" description:"default path for disk free checks"`
	} `group:"conditions" namespace:"conditions" env-namespace:"SYNCD_CONDITIONS"`

	Notify struct {
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable email notifications on errors"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable completion notifications"`
		SMTPHost          string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort          int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername      string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword      string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS           bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut       time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail         string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails          []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		MaxLogLines       int           `long:"max-log" env:"MAX_LOG" default:"100" description:"max number of log lines reported"`
		HostName          string        `long:"host" env:"HOSTNAME" description:"host name running syncd"`
		TimeOut           time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"notification send timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"SYNCD_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"log to file instead of stdout"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file (MB)"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated log files (days)"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable log compression"`
	} `group:"log" namespace:"log" env-namespace:"SYNCD_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("syncd %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] syncd failed, %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if opts.Repo.URL == "" {
		return fmt.Errorf("repository url required")
	}

	tracker := jobs.NewTracker(jobs.TrackerParams{
		Retention:     opts.Jobs.Retention,
		SweepInterval: opts.Jobs.SweepInterval,
	})
	defer tracker.Close()

	errMgr := retry.NewManager(retry.Options{
		Quiet:      opts.Retry.Quiet,
		MaxRetries: opts.Retry.Max,
		BaseDelay:  opts.Retry.BaseDelay,
		MaxDelay:   opts.Retry.MaxDelay,
	})

	workRepo := repo.New(repo.Config{
		URL:               opts.Repo.URL,
		Branch:            opts.Repo.Branch,
		Token:             opts.Repo.Token,
		Dir:               opts.Repo.Dir,
		AuthorName:        opts.Repo.AuthorName,
		AuthorEmail:       opts.Repo.AuthorEmail,
		CommitPrefix:      opts.Repo.CommitPrefix,
		LockRetryInterval: opts.Repo.LockRetry,
		ShouldAbort:       func() bool { return ctx.Err() != nil },
	})

	pusher := repeater.New(&strategy.Backoff{Repeats: opts.Push.Attempts, Duration: opts.Push.Duration,
		Factor: opts.Push.Factor, Jitter: opts.Push.Jitter})

	parser := sources.New(opts.SourcesFile, opts.UpdateInterval)
	requests := make(chan service.Request, 128)

	syncService := service.Scheduler{
		Cron:           cron.New(),
		Parser:         parser,
		UpdatesEnabled: opts.UpdateEnable,
		Tracker:        tracker,
		Errors:         errMgr,
		RetryDefaults: retry.Options{
			Quiet:      opts.Retry.Quiet,
			MaxRetries: opts.Retry.Max,
			BaseDelay:  opts.Retry.BaseDelay,
			MaxDelay:   opts.Retry.MaxDelay,
		},
		Repo:              workRepo,
		Pusher:            pusher,
		Notifier:          makeNotifier(),
		ConditionChecker:  &conditions.Checker{DefaultDiskPath: opts.Conditions.DiskPath},
		DeDup:             service.NewDeDup(opts.DeDup),
		HostName:          makeHostName(),
		MaxLogLines:       opts.Notify.MaxLogLines,
		EnableLogPrefix:   opts.LogPrefix,
		NotifyTimeout:     opts.Notify.TimeOut,
		Requests:          requests,
		InitialResync:     opts.Resync,
		ResyncConcurrency: opts.ResyncWorkers,
	}

	if opts.Web.Enabled {
		apiServer := &web.Server{
			ListenAddr: opts.Web.Listen,
			Version:    revision,
			AuthHash:   opts.Web.AuthHash,
			Tracker:    tracker,
			Errors:     errMgr,
			Sources:    parser,
			Requests:   requests,
		}
		go func() {
			if err := apiServer.Run(ctx); err != nil {
				log.Printf("[ERROR] api server terminated, %v", err)
			}
		}()
	}

	syncService.Do(ctx)
	return nil
}

func makeNotifier() *notify.Email {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "syncd@" + makeHostName()
	}

	return notify.NewEmailClient(notify.EmailParams{
		Host:         opts.Notify.SMTPHost,
		Port:         opts.Notify.SMTPPort,
		From:         opts.Notify.FromEmail,
		To:           opts.Notify.ToEmails,
		TLS:          opts.Notify.SMTPTLS,
		SMTPUserName: opts.Notify.SMTPUsername,
		SMTPPassword: opts.Notify.SMTPPassword,
		TimeOut:      opts.Notify.SMTPTimeOut,
		OnError:      opts.Notify.EnabledError,
		OnCompletion: opts.Notify.EnabledCompletion,
	})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures logging and returns the output writer used, mostly
// to make the file logger testable.
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	log.Setup(log.Msec)
	if opts.Dbg {
		log.Setup(log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
		log.Setup(log.Out(fileLogger), log.Err(fileLogger))
		return fileLogger
	}

	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
