package telephony

import "github.com/rs/zerolog"

// Tones plays local call progress audio
type Tones interface {
	StartRingback()
	StopRingback()
	StartAlert()
	StopAlert()
	PlayAnswered()
}

// LogTones records tone cues in the log for headless desks
type LogTones struct {
	logger zerolog.Logger
}

func NewLogTones(logger zerolog.Logger) *LogTones {
	return &LogTones{logger: logger.With().Str("component", "tones").Logger()}
}

func (t *LogTones) StartRingback() { t.logger.Debug().Msg("ringback started") }
func (t *LogTones) StopRingback()  { t.logger.Debug().Msg("ringback stopped") }
func (t *LogTones) StartAlert()    { t.logger.Debug().Msg("alert started") }
func (t *LogTones) StopAlert()     { t.logger.Debug().Msg("alert stopped") }
func (t *LogTones) PlayAnswered()  { t.logger.Debug().Msg("answered cue") }
