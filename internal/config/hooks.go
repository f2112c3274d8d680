package config

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// secondsToDurationHook accepts plain integers for duration fields and reads
// them as seconds, so POLL_INTERVAL=60 keeps working next to "1m".
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			raw := strings.TrimSpace(data.(string))
			secs, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(secs) * time.Second, nil
		case reflect.Int, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		default:
			return data, nil
		}
	}
}
