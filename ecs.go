// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package logshipper

import (
	"encoding/json"
	"strconv"
)

// ECSVersion is the Elastic Common Schema version written by ToECS.
const ECSVersion = "1.6.0"

// SchemaMapper rewrites a normalized record before it is indexed.
// Implementations must not modify their argument.
type SchemaMapper func(Record) Record

// levelNames maps numeric log levels to their names.
var levelNames = map[int64]string{
	10: "trace",
	20: "debug",
	30: "info",
	40: "warn",
	50: "error",
	60: "fatal",
}

// ToECS maps a record in the pino log format to the Elastic Common Schema.
// Fields without an ECS counterpart are kept at the top level.
func ToECS(rec Record) Record {
	out := make(Record, len(rec)+2)
	for k, v := range rec {
		switch k {
		case "time", "msg", "level", "name", "pid", "hostname", "err", "req", "res", "v":
		default:
			out[k] = v
		}
	}

	if ts, ok := rec["time"]; ok {
		out["@timestamp"] = ts
	}
	if msg, ok := rec["msg"]; ok {
		out["message"] = msg
	}
	object(out, "ecs")["version"] = ECSVersion

	if level, ok := rec["level"]; ok {
		log := object(out, "log")
		if n, ok := toInt64(level); ok {
			if name, ok := levelNames[n]; ok {
				log["level"] = name
			} else {
				log["level"] = strconv.FormatInt(n, 10)
			}
		} else {
			log["level"] = level
		}
	}
	if name, ok := rec["name"]; ok {
		object(out, "log")["logger"] = name
	}
	if pid, ok := rec["pid"]; ok {
		object(out, "process")["pid"] = pid
	}
	if hostname, ok := rec["hostname"]; ok {
		object(out, "host")["hostname"] = hostname
	}
	if err, ok := rec["err"].(map[string]any); ok {
		e := object(out, "error")
		copyField(e, "type", err, "type")
		copyField(e, "message", err, "message")
		copyField(e, "stack_trace", err, "stack")
	}
	if req, ok := rec["req"].(map[string]any); ok {
		mapRequest(out, req)
	}
	if res, ok := rec["res"].(map[string]any); ok {
		if status, ok := res["statusCode"]; ok {
			object(object(out, "http"), "response")["status_code"] = status
		}
	}
	return out
}

func mapRequest(out Record, req map[string]any) {
	http := object(out, "http")
	request := object(http, "request")
	copyField(request, "method", req, "method")
	copyField(request, "id", req, "id")
	if u, ok := req["url"]; ok {
		object(out, "url")["original"] = u
	}
	if headers, ok := req["headers"].(map[string]any); ok {
		if ua, ok := headers["user-agent"]; ok {
			object(out, "user_agent")["original"] = ua
		}
	}
	if addr, ok := req["remoteAddress"]; ok {
		client := object(out, "client")
		client["address"] = addr
		client["ip"] = addr
	}
	if port, ok := req["remotePort"]; ok {
		object(out, "client")["port"] = port
	}
}

// object stores a copy of the object held in m[key] and returns it. A
// missing or non-object value is replaced with an empty object. Copying
// keeps objects shared with the source record untouched.
func object(m map[string]any, key string) map[string]any {
	existing, _ := m[key].(map[string]any)
	o := make(map[string]any, len(existing)+1)
	for k, v := range existing {
		o[k] = v
	}
	m[key] = o
	return o
}

func copyField(dst map[string]any, dstKey string, src map[string]any, srcKey string) {
	if v, ok := src[srcKey]; ok {
		dst[dstKey] = v
	}
}

func toInt64(v any) (int64, bool) {
	switch v := v.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}
