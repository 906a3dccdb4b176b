package segmenter

// Mode selects how coarse the emitted chunks are.
type Mode string

const (
	// ModeSentence batches whole sentences into one chunk.
	ModeSentence Mode = "sentence"
	// ModeMicro emits sub-sentence chunks as soon as a trigger fires.
	ModeMicro Mode = "micro"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	return m == ModeSentence || m == ModeMicro
}

// Config is the live segmentation configuration. It is read on every
// trigger decision, so updates take effect on the next appended token.
type Config struct {
	Mode                Mode `json:"mode" yaml:"mode"`
	LookaheadTokens     int  `json:"lookahead_tokens" yaml:"lookahead_tokens"`
	ChunkTokenBudget    int  `json:"chunk_token_budget" yaml:"chunk_token_budget"`
	TimeBudgetMS        int  `json:"time_budget_ms" yaml:"time_budget_ms"`
	CrossfadeMS         int  `json:"crossfade_ms" yaml:"crossfade_ms"`
	ForceFlushTimeoutMS int  `json:"force_flush_timeout_ms" yaml:"force_flush_timeout_ms"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Mode:                ModeMicro,
		LookaheadTokens:     4,
		ChunkTokenBudget:    16,
		TimeBudgetMS:        250,
		CrossfadeMS:         40,
		ForceFlushTimeoutMS: 1000,
	}
}

// PartialConfig carries an explicit subset of Config fields. Nil fields are
// left untouched by Engine.UpdateConfig.
type PartialConfig struct {
	Mode                *Mode
	LookaheadTokens     *int
	ChunkTokenBudget    *int
	TimeBudgetMS        *int
	CrossfadeMS         *int
	ForceFlushTimeoutMS *int
}

// Empty reports whether p would change nothing.
func (p PartialConfig) Empty() bool {
	return p.Mode == nil && p.LookaheadTokens == nil && p.ChunkTokenBudget == nil &&
		p.TimeBudgetMS == nil && p.CrossfadeMS == nil && p.ForceFlushTimeoutMS == nil
}

// merge applies p on top of c. Unknown modes are ignored.
func (c Config) merge(p PartialConfig) Config {
	if p.Mode != nil && p.Mode.Valid() {
		c.Mode = *p.Mode
	}
	if p.LookaheadTokens != nil {
		c.LookaheadTokens = *p.LookaheadTokens
	}
	if p.ChunkTokenBudget != nil {
		c.ChunkTokenBudget = *p.ChunkTokenBudget
	}
	if p.TimeBudgetMS != nil {
		c.TimeBudgetMS = *p.TimeBudgetMS
	}
	if p.CrossfadeMS != nil {
		c.CrossfadeMS = *p.CrossfadeMS
	}
	if p.ForceFlushTimeoutMS != nil {
		c.ForceFlushTimeoutMS = *p.ForceFlushTimeoutMS
	}
	return c.normalize()
}

// normalize clamps every field into its legal range instead of rejecting it.
func (c Config) normalize() Config {
	if !c.Mode.Valid() {
		c.Mode = ModeMicro
	}
	if c.LookaheadTokens < 0 {
		c.LookaheadTokens = 0
	}
	if c.ChunkTokenBudget < 1 {
		c.ChunkTokenBudget = 1
	}
	if c.TimeBudgetMS < 1 {
		c.TimeBudgetMS = 1
	}
	if c.CrossfadeMS < 0 {
		c.CrossfadeMS = 0
	}
	if c.ForceFlushTimeoutMS < 1 {
		c.ForceFlushTimeoutMS = 1
	}
	return c
}
