package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiprobe/apiprobe/pkg/config"
)

func uploadTestConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()

	return &config.Config{
		Reporters: config.ReportersConfig{
			JSON: config.JSONReporterConfig{
				Enabled:   true,
				OutputDir: t.TempDir(),
				Upload: &config.S3UploadConfig{
					Enabled:         true,
					EndpointURL:     endpoint,
					Bucket:          "reports",
					AccessKeyID:     "test",
					SecretAccessKey: "test",
					ForcePathStyle:  true,
				},
			},
		},
	}
}

func TestBuildReporters_UploadPreflightPasses(t *testing.T) {
	log = logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	var puts int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		puts++
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	reporters, cleanup, err := buildReporters(
		context.Background(), uploadTestConfig(t, srv.URL))
	t.Cleanup(cleanup)

	require.NoError(t, err)
	require.Len(t, reporters, 1)

	// The write check already hit the bucket during construction.
	assert.Equal(t, 1, puts)
}

func TestBuildReporters_UploadPreflightFails(t *testing.T) {
	log = logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`))
	}))
	t.Cleanup(srv.Close)

	_, cleanup, err := buildReporters(
		context.Background(), uploadTestConfig(t, srv.URL))
	t.Cleanup(cleanup)

	require.ErrorContains(t, err, "preflight")
}
