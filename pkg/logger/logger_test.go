package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/telemetry/pkg/logger"
)

var _ = Describe("Logger", func() {
	Describe("NewWriter", func() {
		It("should log JSON with the environment in prod", func() {
			var buf bytes.Buffer
			log := logger.NewWriter(&buf, "info", false, "prod")
			log.Info("SLO level changed", slog.String("objective", "availability"))

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record).To(HaveKeyWithValue("environment", "prod"))
			Expect(record).To(HaveKeyWithValue("objective", "availability"))
			Expect(record).To(HaveKeyWithValue("msg", "SLO level changed"))
		})

		It("should log text outside prod", func() {
			var buf bytes.Buffer
			logger.NewWriter(&buf, "info", false, "dev").Info("started")

			Expect(buf.String()).To(ContainSubstring("msg=started"))
			Expect(buf.String()).To(ContainSubstring("environment=dev"))
		})

		It("should include the source location when asked", func() {
			var buf bytes.Buffer
			logger.NewWriter(&buf, "info", true, "dev").Info("started")

			Expect(buf.String()).To(ContainSubstring("source="))
		})

		It("should drop records below the level", func() {
			var buf bytes.Buffer
			logger.NewWriter(&buf, "warn", false, "dev").Info("ignored")

			Expect(buf.Len()).To(BeZero())
		})
	})

	It("should build a stdout logger", func() {
		log := logger.New("debug", false, "dev")
		Expect(log.Enabled(context.Background(), slog.LevelDebug)).To(BeTrue())
	})

	DescribeTable("ParseLevel",
		func(in string, expected slog.Level) {
			Expect(logger.ParseLevel(in)).To(Equal(expected))
		},
		Entry("debug", "debug", slog.LevelDebug),
		Entry("info", "info", slog.LevelInfo),
		Entry("warn", "WARN", slog.LevelWarn),
		Entry("error", "error", slog.LevelError),
		Entry("unknown defaults to info", "verbose", slog.LevelInfo),
	)
})
