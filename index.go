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

import "strings"

// DatePlaceholder is replaced with the record date in index name templates.
const DatePlaceholder = "%{DATE}"

// IndexNameFunc returns the index name for a record with the given
// normalized time.
type IndexNameFunc func(time string) string

// TemplateIndex returns an IndexNameFunc replacing the first occurrence of
// DatePlaceholder in template with the YYYY-MM-DD date portion of the time.
func TemplateIndex(template string) IndexNameFunc {
	if !strings.Contains(template, DatePlaceholder) {
		return func(string) string { return template }
	}
	return func(time string) string {
		date := time
		if len(date) > 10 {
			date = date[:10]
		}
		return strings.Replace(template, DatePlaceholder, date, 1)
	}
}

func newIndexNameFunc(cfg Config) IndexNameFunc {
	if cfg.IndexFunc != nil {
		return cfg.IndexFunc
	}
	return TemplateIndex(cfg.Index)
}
