package redis

import "encoding/json"

func jsonUnmarshal(s string, dest interface{}) error {
	return json.Unmarshal([]byte(s), dest)
}
