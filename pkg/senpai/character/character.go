// Package character holds the static registry of persona profiles the
// assistant can speak as. Character identifiers form a closed set; an
// unknown identifier is an explicit lookup miss, never a zero-value profile.
package character

// ID identifies a character persona.
type ID string

// The full character roster.
const (
	Reina      ID = "reina"
	Saeki      ID = "saeki"
	Kujo       ID = "kujo"
	Tsukishiro ID = "tsukishiro"
)

// All lists every valid character ID in display order.
func All() []ID {
	return []ID{Reina, Saeki, Kujo, Tsukishiro}
}

// Valid reports whether id names a registered character.
func Valid(id ID) bool {
	_, ok := profiles[id]
	return ok
}

// Profile describes a character persona and its tone parameters.
type Profile struct {
	// ID is the character identifier.
	ID ID

	// Name is the display name shown to users.
	Name string

	// DefaultPressureLevel is the persona's baseline assertiveness (1-5).
	DefaultPressureLevel int

	// Persona is the system-prompt fragment describing how the character
	// speaks and behaves.
	Persona string
}

// GenConfig holds per-character generation parameters for the language model.
type GenConfig struct {
	Model           string
	Temperature     float64
	PresencePenalty float64
}

var profiles = map[ID]Profile{
	Reina: {
		ID:                   Reina,
		Name:                 "完璧主義お嬢様 レイナ",
		DefaultPressureLevel: 3,
		Persona: `- 完璧主義のお嬢様キャラクター
- 上品で丁寧な言葉遣い
- 時折フランス語を交えて話す
- 高い期待を持ってタスクの完璧な遂行を求める`,
	},
	Saeki: {
		ID:                   Saeki,
		Name:                 "フリーランス先輩 佐伯",
		DefaultPressureLevel: 4,
		Persona: `- フリーランス歴5年のベテラン
- タメ口で親しみやすい
- 実践的なアドバイスを好む
- 締切と報酬を重視する傾向`,
	},
	Kujo: {
		ID:                   Kujo,
		Name:                 "闇プロジェクトマネージャー 九条",
		DefaultPressureLevel: 5,
		Persona: `- 闇のプロジェクトマネージャー
- 威圧的で冷静な口調
- 効率と結果を重視
- プロジェクト管理の専門用語を好んで使う`,
	},
	Tsukishiro: {
		ID:                   Tsukishiro,
		Name:                 "メンタリスト 月城",
		DefaultPressureLevel: 3,
		Persona: `- メンタリストとして活動
- 柔らかく導くような話し方
- 心理学的な観点からアドバイス
- ユーザーの感情に寄り添う`,
	},
}

// genConfigs tunes generation per character. Softer personas run hotter.
var genConfigs = map[ID]GenConfig{
	Reina:      {Model: "gpt-4o", Temperature: 0.7, PresencePenalty: 0.1},
	Saeki:      {Model: "gpt-4o", Temperature: 0.8, PresencePenalty: 0.2},
	Kujo:       {Model: "gpt-4o", Temperature: 0.6, PresencePenalty: 0.1},
	Tsukishiro: {Model: "gpt-4o", Temperature: 0.9, PresencePenalty: 0.3},
}

// Lookup returns the profile for id. The second return is false for an
// unknown identifier.
func Lookup(id ID) (Profile, bool) {
	p, ok := profiles[id]
	return p, ok
}

// Generation returns the generation parameters for id, falling back to a
// neutral default for unknown identifiers.
func Generation(id ID) GenConfig {
	if c, ok := genConfigs[id]; ok {
		return c
	}
	return GenConfig{Temperature: 0.7}
}

// Default is the character assigned to users who have not chosen one.
const Default = Reina
