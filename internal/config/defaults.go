package config

const (
	defaultDataDir                = "~/.local/share/curator/state"
	defaultRecordsDir             = "~/.local/share/curator/records"
	defaultLogDir                 = "~/.local/share/curator/logs"
	defaultLogRetentionDays       = 60
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultCalendarRequestTimeout = 15
	defaultCalendarRetryAttempts  = 4
	defaultGraceSeconds           = 120
	defaultActivityGapSeconds     = 480
	defaultExtractionWorkers      = 4
	defaultFileTimeoutSeconds     = 60
	defaultThumbnailSize          = 500
	defaultThumbnailClipPercent   = 1.0
	defaultQueuePollInterval      = 10
	defaultErrorRetryInterval     = 30
	defaultHeartbeatInterval      = 15
	defaultHeartbeatTimeout       = 120
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			RecordsDir: defaultRecordsDir,
			LogDir:     defaultLogDir,
		},
		Calendar: Calendar{
			RequestTimeout: defaultCalendarRequestTimeout,
			RetryAttempts:  defaultCalendarRetryAttempts,
		},
		Reconcile: Reconcile{
			GraceSeconds:       defaultGraceSeconds,
			ActivityGapSeconds: defaultActivityGapSeconds,
		},
		Extraction: Extraction{
			Workers:            defaultExtractionWorkers,
			FileTimeoutSeconds: defaultFileTimeoutSeconds,
		},
		Thumbnails: Thumbnails{
			Size:         defaultThumbnailSize,
			ClipPercent:  defaultThumbnailClipPercent,
			StackPreview: true,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
