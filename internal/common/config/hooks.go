package config

import (
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks are passed to viper.Unmarshal. A decode hook for each configuration type that is
// not natively understood by mapstructure belongs here.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		TextUnmarshalerHook(),
	)),
}

type textUnmarshaler interface {
	UnmarshalText(text []byte) error
}

// TextUnmarshalerHook decodes strings into any type whose pointer implements UnmarshalText.
// time.Duration is left alone so that StringToTimeDurationHookFunc owns it.
func TextUnmarshalerHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t == reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		target := reflect.New(t)
		unmarshaler, ok := target.Interface().(textUnmarshaler)
		if !ok {
			return data, nil
		}
		if err := unmarshaler.UnmarshalText([]byte(reflect.ValueOf(data).String())); err != nil {
			return nil, err
		}
		return target.Elem().Interface(), nil
	}
}
