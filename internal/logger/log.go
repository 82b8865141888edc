// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"estat-capture/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수입니다.
//
// [주요 기능]
//
//  1. 로그 포맷 전환:
//     - 개발 환경 (LOG_PRETTY=true): 콘솔 텍스트
//     - 운영 환경 (LOG_PRETTY=false): JSON 한 줄씩
//
//  2. 공통 필드:
//     - 모든 로그에 "service", "instance" 가 붙습니다.
//
//  3. 샘플링:
//     - LogSampleN > 1 이면 Debug/Info 는 N개 중 1개만 기록합니다.
//     - Warn/Error 는 샘플링하지 않습니다.
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Msg("relay started")
func Init(cfg config.Config) {

	// -------------------------------------------------------------------
	// 1) 로그 레벨 결정
	// -------------------------------------------------------------------
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	// -------------------------------------------------------------------
	// 2) 출력 방식 결정 (사람 vs 기계)
	// -------------------------------------------------------------------
	var w io.Writer
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	} else {
		w = os.Stdout
	}

	// -------------------------------------------------------------------
	// 3) 기본 Logger 생성 (공통 태그 부착)
	// -------------------------------------------------------------------
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	// -------------------------------------------------------------------
	// 4) 샘플링 설정 (Warn/Error 는 제외)
	// -------------------------------------------------------------------
	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}

	// -------------------------------------------------------------------
	// 5) 전역 Logger 교체 + 표준 log 패키지도 zerolog 로 연결
	// -------------------------------------------------------------------
	zlog.Logger = logger

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// Component 는 "component" 필드가 붙은 전역 logger 를 반환한다.
// 패키지마다 하나씩 만들어 struct 에 들고 다닌다.
func Component(name string) zerolog.Logger {
	return zlog.With().Str("component", name).Logger()
}
