package providers

import (
	"net/http"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tidewire/digestd/pkg/pipeline"
)

// Pipeline config keys.
const (
	ConfPipelineURL     = "pipeline.url"
	ConfPipelineTimeout = "pipeline.timeout"
)

func init() {
	viper.SetDefault(ConfPipelineURL, "")
	viper.SetDefault(ConfPipelineTimeout, 15*time.Minute)
}

// NewRunner builds the pipeline client. Without a configured URL it falls
// back to the static stub, which keeps local all-in-one runs working
// without a pipeline deployment.
func NewRunner(log *zap.Logger) pipeline.Runner {
	url := viper.GetString(ConfPipelineURL)
	if url == "" {
		log.Warn("No pipeline URL configured, using static stub")
		return &pipeline.Static{}
	}
	log.Info("Using pipeline service", zap.String(ConfPipelineURL, url))
	return &pipeline.HTTPRunner{
		Client:  &http.Client{Timeout: viper.GetDuration(ConfPipelineTimeout)},
		BaseURL: url,
	}
}
