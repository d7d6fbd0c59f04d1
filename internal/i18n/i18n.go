// Package i18n holds the terminal client's message catalogs.
package i18n

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

const fallbackLocale = "en"

// catalogs 按 locale 索引的消息目录 / message catalogs keyed by locale.
var catalogs = map[string]map[string]string{
	"en":    EnMessages,
	"zh-CN": ZhCNMessages,
}

// I18n resolves catalog keys for one locale, falling back to English.
type I18n struct {
	locale  string
	primary map[string]string
}

var (
	global     *I18n
	globalOnce sync.Once
)

// Global 返回按环境检测 locale 的共享实例
// Global returns a shared instance for the locale detected from the environment.
func Global() *I18n {
	globalOnce.Do(func() { global = New("") })
	return global
}

// New builds a translator; an empty locale is detected from the environment.
func New(locale string) *I18n {
	if strings.TrimSpace(locale) == "" {
		locale = DetectLocale()
	}
	locale = normalizeLocale(locale)
	if _, ok := catalogs[locale]; !ok {
		locale = fallbackLocale
	}
	return &I18n{locale: locale, primary: catalogs[locale]}
}

// T formats the message for key. Unknown keys are returned unchanged.
func (i *I18n) T(key string, args ...any) string {
	tmpl, ok := i.primary[key]
	if !ok {
		if tmpl, ok = catalogs[fallbackLocale][key]; !ok {
			return key
		}
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

func (i *I18n) Locale() string { return i.locale }

// DetectLocale reads APPFORGE_LANG, then the POSIX locale variables.
func DetectLocale() string {
	for _, env := range []string{"APPFORGE_LANG", "LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return normalizeLocale(v)
		}
	}
	return fallbackLocale
}

// normalizeLocale maps "zh_CN.UTF-8" style values onto catalog names.
func normalizeLocale(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), ".")
	lower := strings.ToLower(strings.ReplaceAll(s, "_", "-"))
	switch {
	case lower == "", lower == "c", lower == "posix", strings.HasPrefix(lower, "en"):
		return fallbackLocale
	case strings.HasPrefix(lower, "zh"):
		return "zh-CN"
	}
	return s
}
