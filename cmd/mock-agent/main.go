package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"VoiceCallRelay/internal/config"
	"VoiceCallRelay/internal/logger"
	"VoiceCallRelay/internal/protocol"
	"VoiceCallRelay/internal/testserver"
)

// 命令行参数
var (
	addr          = flag.String("addr", ":8081", "监听地址")
	path          = flag.String("path", "/agent", "websocket路径")
	token         = flag.String("token", "", "要求的API key，留空不校验")
	echo          = flag.Bool("echo", true, "把收到的音频原样回送")
	bargeInAfter  = flag.Int("barge-in-after", 0, "收到N帧后发送UserStartedSpeaking，0为关闭")
	functionAfter = flag.Int("function-after", 0, "收到N帧后发起一次函数调用，0为关闭")
	functionName  = flag.String("function", "check_calendar_availability", "脚本函数名")
	functionArgs  = flag.String("arguments", `{"datetime_start":"2025-01-06T10:00:00","datetime_end":"2025-01-06T11:00:00"}`, "脚本函数参数JSON")
	logLevel      = flag.String("log-level", "debug", "日志级别")
)

func main() {
	flag.Parse()

	if _, err := logger.Init(config.LoggingConfig{Level: *logLevel, Format: "console"}); err != nil {
		log.Fatal().Err(err).Msg("Invalid logging config")
	}
	defer logger.Close()

	cfg := testserver.DefaultServerConfig(*addr)
	cfg.Path = *path
	cfg.RequireToken = *token
	cfg.EchoAudio = *echo
	cfg.BargeInAfterFrames = *bargeInAfter
	cfg.FunctionCallAfterFrames = *functionAfter
	cfg.ScriptedCall = protocol.FunctionCall{
		ID:         uuid.NewString(),
		Name:       *functionName,
		Arguments:  *functionArgs,
		ClientSide: true,
	}

	server := testserver.New(cfg, logger.Component("mock-agent"))
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start mock agent")
	}
	log.Info().
		Str("url", "ws://localhost"+*addr+*path).
		Bool("echo", *echo).
		Int("barge_in_after", *bargeInAfter).
		Int("function_after", *functionAfter).
		Msg("Mock voice agent ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Mock agent shutdown error")
	}
	log.Info().Interface("stats", server.GetStats()).Msg("Mock agent stopped")
}
