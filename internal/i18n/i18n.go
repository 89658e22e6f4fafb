package i18n

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

//go:embed all:locales
var localeFS embed.FS

// Manager 管理 i18n Bundle，按 Accept-Language 选择语言
type Manager struct {
	bundle          *i18n.Bundle
	defaultLanguage language.Tag
	logger          *zap.Logger
	localizers      map[string]*i18n.Localizer // Cache localizers
	matcher         language.Matcher
	codes           []string
}

// NewManager 创建一个新的 i18n 管理器
// defaultLang: 默认语言代码 (例如 "en")
func NewManager(defaultLang string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultLanguageTag, err := language.Parse(defaultLang)
	if err != nil {
		logger.Error("Failed to parse default language tag", zap.String("tag", defaultLang), zap.Error(err))
		return nil, fmt.Errorf("invalid default language tag '%s': %w", defaultLang, err)
	}

	bundle := i18n.NewBundle(defaultLanguageTag)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	m := &Manager{
		bundle:          bundle,
		defaultLanguage: defaultLanguageTag,
		logger:          logger.Named("i18n"),
		localizers:      make(map[string]*i18n.Localizer),
	}

	codes, err := m.loadTranslations()
	if err != nil {
		return nil, err
	}
	defaultCode := defaultLanguageTag.String()
	if _, ok := codes[defaultCode]; !ok {
		return nil, fmt.Errorf("no translations for default language '%s'", defaultCode)
	}

	// matcher 的第一个候选是默认语言，无法匹配时回落到它
	tags := []language.Tag{defaultLanguageTag}
	m.codes = []string{defaultCode}
	rest := make([]string, 0, len(codes))
	for code := range codes {
		if code != defaultCode {
			rest = append(rest, code)
		}
	}
	sort.Strings(rest)
	for _, code := range rest {
		tags = append(tags, codes[code])
		m.codes = append(m.codes, code)
	}
	m.matcher = language.NewMatcher(tags)
	for _, code := range m.codes {
		m.localizers[code] = i18n.NewLocalizer(m.bundle, code)
	}

	m.logger.Info("i18n Manager initialized",
		zap.String("default_language", defaultCode),
		zap.Strings("languages", m.codes),
	)
	return m, nil
}

// loadTranslations 加载 locales 目录下的 active.<lang>.toml
func (m *Manager) loadTranslations() (map[string]language.Tag, error) {
	files, err := fs.ReadDir(localeFS, "locales")
	if err != nil {
		m.logger.Error("Failed to read embedded locales directory", zap.Error(err))
		return nil, fmt.Errorf("failed to read embedded locales directory: %w", err)
	}

	codes := make(map[string]language.Tag)
	for _, file := range files {
		fileName := file.Name()
		if file.IsDir() || filepath.Ext(fileName) != ".toml" {
			m.logger.Debug("Skipping non-matching file in locales dir", zap.String("file", fileName))
			continue
		}
		if _, err := m.bundle.LoadMessageFileFS(localeFS, "locales/"+fileName); err != nil {
			m.logger.Warn("Failed to load translation file", zap.String("file", fileName), zap.Error(err))
			continue
		}

		// active.en.toml -> en
		parts := strings.Split(strings.TrimSuffix(fileName, ".toml"), ".")
		code := parts[len(parts)-1]
		tag, err := language.Parse(code)
		if err != nil {
			m.logger.Warn("Failed to parse language code from filename", zap.String("file", fileName), zap.Error(err))
			continue
		}
		codes[tag.String()] = tag
		m.logger.Debug("Loaded translation file", zap.String("file", fileName), zap.String("lang", tag.String()))
	}

	if len(codes) == 0 {
		return nil, errors.New("no valid translation files loaded")
	}
	return codes, nil
}

// Match picks the best supported language for an Accept-Language header.
func (m *Manager) Match(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return m.codes[0]
	}
	_, index, confidence := m.matcher.Match(tags...)
	if confidence == language.No {
		return m.codes[0]
	}
	return m.codes[index]
}

// T translates key into lang. args are template data as key/value pairs,
// an int is used as the plural count.
func (m *Manager) T(lang string, key string, args ...any) string {
	localizer, ok := m.localizers[lang]
	if !ok {
		localizer = m.localizers[m.codes[0]]
	}

	cfg := &i18n.LocalizeConfig{MessageID: key}
	data := make(map[string]any)
	for i := 0; i < len(args); i++ {
		switch v := args[i].(type) {
		case int:
			if cfg.PluralCount == nil {
				cfg.PluralCount = v
			}
		case string:
			if i+1 < len(args) {
				data[v] = args[i+1]
				i++
			} else {
				m.logger.Warn("Odd number of arguments for TemplateData", zap.String("key", key), zap.String("lastKey", v))
			}
		default:
			m.logger.Warn("Unsupported argument type in T", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", v)))
		}
	}
	if len(data) > 0 {
		cfg.TemplateData = data
	}

	localized, err := localizer.Localize(cfg)
	if err != nil {
		var notFound *i18n.MessageNotFoundErr
		if !errors.As(err, &notFound) {
			m.logger.Error("Failed to localize message", zap.String("key", key), zap.String("lang", lang), zap.Error(err))
		}
		return key
	}
	return localized
}

// Languages returns the supported language codes, default first.
func (m *Manager) Languages() []string {
	return append([]string(nil), m.codes...)
}

func (m *Manager) DefaultLanguage() string {
	return m.codes[0]
}
