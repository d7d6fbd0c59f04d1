package config

const (
	DefaultServerAddr = "127.0.0.1:7410"

	DefaultEngineMaxSteps         = 25
	DefaultEngineMaxContinuations = 3
	DefaultEngineChunkIntervalMS  = 50

	DefaultCompactionContextWindow       = 128000
	DefaultCompactionThresholdRatio      = 0.8
	DefaultCompactionHardCap             = 180000
	DefaultCompactionBackupRetentionDays = 30

	DefaultQuotaLimit       = 5
	DefaultQuotaWindowHours = 24

	DefaultConsentExpireMinutes = 60
)
