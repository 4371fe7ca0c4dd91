package messaging

const (
	NamedListenerOpt = "NamedListener"
)

type Option struct {
	Key   string
	Value interface{}
}

type OptionsBuilder struct {
	options []Option
}

type OptionsResolver struct {
	opts map[string]interface{}
}

func NewOptionsResolver(options ...Option) (optsResolver *OptionsResolver) {
	optsResolver = &OptionsResolver{opts: make(map[string]interface{})}

	if options != nil && len(options) > 0 {
		for _, option := range options {
			optsResolver.opts[option.Key] = option.Value
		}
	}
	return
}

func NewOptionsBuilder() *OptionsBuilder {
	return &OptionsBuilder{}
}

func (ob *OptionsBuilder) Add(key string, value interface{}) *OptionsBuilder {
	ob.options = append(ob.options, Option{
		Key:   key,
		Value: value,
	})
	return ob
}

func (ob *OptionsBuilder) Build() []Option {
	return ob.options
}

func (or *OptionsResolver) Get(key string) (value interface{}, has bool) {
	value, has = or.opts[key]
	return
}

// ResolveOptValue extracts a typed option value by key from the resolver.
func ResolveOptValue[T any](key string, resolver *OptionsResolver) (val T, has bool) {
	if resolver == nil {
		return
	}
	v, ok := resolver.Get(key)
	if !ok {
		return
	}
	val, has = v.(T)
	return
}
