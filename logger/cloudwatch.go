package logger

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
}

var (
	cwMu    sync.RWMutex
	cwState = cloudWatchState{namespace: "Hyperflow", dashboard: "Hyperflow"}
)

// InitCloudWatch creates the CloudWatch client used by the runtime report and
// LogMetric. An empty region falls back to AWS_REGION. When the AWS
// configuration cannot be loaded publishing stays disabled.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwMu.Lock()
	cwState.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cwState.namespace = namespace
	}
	if dashboard != "" {
		cwState.dashboard = dashboard
	}
	state := cwState
	cwMu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": state.namespace}).Info("initialized CloudWatch client")

	createDefaultDashboard(ctx, state)
}

func currentCloudWatch() cloudWatchState {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwState
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	state := currentCloudWatch()
	if state.client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// PublishMetric sends a single numeric datum with component and string field
// dimensions. It is a no-op until InitCloudWatch succeeds.
func PublishMetric(ctx context.Context, component, metric string, value float64, fields Fields) {
	if currentCloudWatch().client == nil {
		return
	}
	unit := cwtypes.StandardUnitCount
	if u, ok := fields["unit"].(string); ok && strings.EqualFold(u, "percent") {
		unit = cwtypes.StandardUnitPercent
	}
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		switch k {
		case "metric", "metric_type", "value", "unit":
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	publishMetrics(ctx, []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
	}})
}

type dashboardWidget struct {
	Type       string                 `json:"type"`
	Width      int                    `json:"width"`
	Height     int                    `json:"height"`
	Properties map[string]interface{} `json:"properties"`
}

func dashboardBody(namespace string) (string, error) {
	widget := func(title string, metrics ...string) dashboardWidget {
		rows := make([][]string, 0, len(metrics))
		for _, m := range metrics {
			rows = append(rows, []string{namespace, m})
		}
		return dashboardWidget{
			Type:   "metric",
			Width:  12,
			Height: 6,
			Properties: map[string]interface{}{
				"metrics": rows,
				"period":  60,
				"stat":    "Maximum",
				"title":   title,
			},
		}
	}
	body := map[string]interface{}{
		"widgets": []dashboardWidget{
			widget("Hyperflow system", "CPUPercent", "MemoryMB", "DiskMB"),
			widget("Hyperflow ingestion", "StreamReads", "PollReads", "SinkWrites", "S3Uploads", "Errors"),
		},
	}
	b, err := json.Marshal(body)
	return string(b), err
}

func createDefaultDashboard(ctx context.Context, state cloudWatchState) {
	log := GetLogger().WithComponent("cloudwatch")
	body, err := dashboardBody(state.namespace)
	if err != nil {
		log.WithError(err).Warn("failed to build CloudWatch dashboard")
		return
	}
	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
