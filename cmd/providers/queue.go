package providers

import (
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"

	"github.com/tidewire/digestd/pkg/jobqueue"
)

// Queue config keys.
const (
	ConfQueuePrefix          = "queue.prefix"
	ConfQueueClaimTTL        = "queue.claim_ttl"
	ConfQueueMaxAttempts     = "queue.max_attempts"
	ConfQueueKeepCompleted   = "queue.keep_completed"
	ConfQueueKeepFailed      = "queue.keep_failed"
	ConfQueueRetryBackoff    = "queue.retry_backoff"
	ConfQueueRetryBackoffMax = "queue.retry_backoff_max"
	ConfQueueExpireBackoff   = "queue.expire_backoff"
	ConfQueueExpireBatch     = "queue.expire_batch"
)

func init() {
	viper.SetDefault(ConfQueuePrefix, "digestd:jobs")
	viper.SetDefault(ConfQueueClaimTTL, jobqueue.DefaultOptions.ClaimTTL)
	viper.SetDefault(ConfQueueMaxAttempts, jobqueue.DefaultOptions.MaxAttempts)
	viper.SetDefault(ConfQueueKeepCompleted, jobqueue.DefaultOptions.KeepCompleted)
	viper.SetDefault(ConfQueueKeepFailed, jobqueue.DefaultOptions.KeepFailed)
	viper.SetDefault(ConfQueueRetryBackoff, jobqueue.DefaultOptions.RetryBackoff)
	viper.SetDefault(ConfQueueRetryBackoffMax, jobqueue.DefaultOptions.RetryBackoffMax)
	viper.SetDefault(ConfQueueExpireBackoff, 2*time.Second)
	viper.SetDefault(ConfQueueExpireBatch, uint(16))
}

// NewQueueKeys derives the queue Redis keys from the configured prefix.
func NewQueueKeys() jobqueue.Keys {
	return jobqueue.KeysForPrefix(viper.GetString(ConfQueuePrefix))
}

// NewQueueOptions reads the queue tuning knobs from config.
func NewQueueOptions() jobqueue.Options {
	return jobqueue.Options{
		ClaimTTL:        viper.GetDuration(ConfQueueClaimTTL),
		MaxAttempts:     viper.GetInt(ConfQueueMaxAttempts),
		KeepCompleted:   viper.GetInt(ConfQueueKeepCompleted),
		KeepFailed:      viper.GetInt(ConfQueueKeepFailed),
		RetryBackoff:    viper.GetDuration(ConfQueueRetryBackoff),
		RetryBackoffMax: viper.GetDuration(ConfQueueRetryBackoffMax),
	}
}

// NewQueueProducer builds the enqueue side of the job queue.
func NewQueueProducer(rd *redis.Client, keys jobqueue.Keys) *jobqueue.Producer {
	return &jobqueue.Producer{Redis: rd, Keys: keys}
}
