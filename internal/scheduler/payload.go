package scheduler

import "encoding/json"

func marshalTaskData(data map[string]any) ([]byte, error) {
	return json.Marshal(data)
}
