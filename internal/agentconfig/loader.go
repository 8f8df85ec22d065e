package agentconfig

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Loader 为每通电话构建新的代理配置
// 不缓存结果：日期上下文必须反映通话开始时的时间
type Loader struct {
	templatePath string
	loc          *time.Location
	tzName       string
	hours        WorkingHours
	functions    []FunctionDeclaration
	now          func() time.Time
}

// Option 加载器选项
type Option func(*Loader)

// WithTemplatePath 使用JSON文件模板，为空时使用内置模板
func WithTemplatePath(path string) Option {
	return func(l *Loader) {
		l.templatePath = path
	}
}

// WithTimezone 设置日期上下文使用的时区
func WithTimezone(name string) Option {
	return func(l *Loader) {
		l.loc, l.tzName = ResolveLocation(name)
	}
}

// WithWorkingHours 设置营业时间
func WithWorkingHours(hours WorkingHours) Option {
	return func(l *Loader) {
		l.hours = hours
	}
}

// WithFunctions 模板未声明函数时补充的函数声明
func WithFunctions(decls []FunctionDeclaration) Option {
	return func(l *Loader) {
		l.functions = decls
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		l.now = now
	}
}

// NewLoader 创建加载器，默认时区 Europe/Brussels
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		hours: DefaultWorkingHours(),
		now:   time.Now,
	}
	l.loc, l.tzName = ResolveLocation("Europe/Brussels")
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Location 当前使用的时区
func (l *Loader) Location() *time.Location {
	return l.loc
}

// Build 生成本通电话的代理配置
func (l *Loader) Build() (*Settings, error) {
	settings, err := l.template()
	if err != nil {
		return nil, err
	}

	if len(settings.Agent.Think.Functions) == 0 && len(l.functions) > 0 {
		settings.Agent.Think.Functions = append([]FunctionDeclaration(nil), l.functions...)
	}

	dateContext := DateContext(l.now(), l.loc, l.tzName, l.hours)
	settings.Agent.Think.Prompt = strings.ReplaceAll(settings.Agent.Think.Prompt, DateContextPlaceholder, dateContext)
	return settings, nil
}

// BuildJSON 生成序列化后的配置
func (l *Loader) BuildJSON() ([]byte, error) {
	settings, err := l.Build()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("序列化代理配置失败: %w", err)
	}
	return data, nil
}

func (l *Loader) template() (*Settings, error) {
	if l.templatePath == "" {
		return DefaultTemplate(), nil
	}
	return LoadTemplate(l.templatePath)
}
