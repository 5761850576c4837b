package security

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestParseMetricsLabels(t *testing.T) {
	labels, err := ParseMetricsLabels("env=prod,region=us-east-1")
	require.NoError(t, err)
	require.Equal(t, prometheus.Labels{"env": "prod", "region": "us-east-1"}, labels)
}

func TestParseMetricsLabelsEmpty(t *testing.T) {
	labels, err := ParseMetricsLabels("")
	require.NoError(t, err)
	require.Nil(t, labels)
}

func TestParseMetricsLabelsEnvExpansion(t *testing.T) {
	t.Setenv("DBHEALTH_TEST_REGION", "eu-west-1")
	labels, err := ParseMetricsLabels("region=${DBHEALTH_TEST_REGION}")
	require.NoError(t, err)
	require.Equal(t, prometheus.Labels{"region": "eu-west-1"}, labels)
}

func TestParseMetricsLabelsInvalid(t *testing.T) {
	_, err := ParseMetricsLabels("no-equals-sign")
	require.Error(t, err)

	_, err = ParseMetricsLabels("bad key=value")
	require.Error(t, err)
}
