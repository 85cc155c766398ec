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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
)

// awsService is the signing name of Amazon OpenSearch Service domains.
const awsService = "es"

// emptyPayloadHash is the SHA-256 of an empty body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// ClientConfig holds configuration for NewTransport.
type ClientConfig struct {
	// Node holds the Elasticsearch endpoint URL.
	Node string

	// Username and Password hold optional basic authentication
	// credentials.
	Username string
	Password string

	// APIKey holds an optional base64-encoded API key.
	APIKey string

	// IsAWS signs requests with AWS Signature Version 4, reading
	// credentials from the AWS_ACCESS_KEY, AWS_SECRET and optional
	// AWS_SESSION_TOKEN environment variables, and the region from
	// AWS_REGION.
	IsAWS bool

	// Transport holds the base round tripper.
	//
	// If Transport is nil, http.DefaultTransport is used.
	Transport http.RoundTripper

	// Getenv looks up environment variables.
	//
	// If Getenv is nil, os.Getenv is used.
	Getenv func(string) string
}

// NewTransport returns an Elasticsearch transport for cfg. Requests are
// instrumented with Elastic APM when the request context holds a
// transaction.
//
// The transport performs no product check, so it can be used with
// Elasticsearch versions older than 7.14 and with OpenSearch.
func NewTransport(cfg ClientConfig) (*elastictransport.Client, error) {
	if cfg.Node == "" {
		return nil, errors.New("node is empty")
	}
	u, err := url.Parse(cfg.Node)
	if err != nil {
		return nil, fmt.Errorf("invalid node URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid node URL %q: expected scheme and host", cfg.Node)
	}

	rt := cfg.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	if cfg.IsAWS {
		getenv := cfg.Getenv
		if getenv == nil {
			getenv = os.Getenv
		}
		rt, err = newAWSSigningTransport(rt, getenv)
		if err != nil {
			return nil, err
		}
	}

	return elastictransport.New(elastictransport.Config{
		URLs:      []*url.URL{u},
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
		Transport: apmelasticsearch.WrapRoundTripper(rt),
	})
}

// awsSigningTransport signs each request before passing it on.
type awsSigningTransport struct {
	next   http.RoundTripper
	creds  credentials.StaticCredentialsProvider
	region string
	signer *v4.Signer
	now    func() time.Time
}

func newAWSSigningTransport(next http.RoundTripper, getenv func(string) string) (*awsSigningTransport, error) {
	accessKey := getenv("AWS_ACCESS_KEY")
	secret := getenv("AWS_SECRET")
	region := getenv("AWS_REGION")
	var errs []error
	if accessKey == "" {
		errs = append(errs, errors.New("AWS_ACCESS_KEY is not set"))
	}
	if secret == "" {
		errs = append(errs, errors.New("AWS_SECRET is not set"))
	}
	if region == "" {
		errs = append(errs, errors.New("AWS_REGION is not set"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("cannot sign AWS requests: %w", err)
	}
	return &awsSigningTransport{
		next:   next,
		creds:  credentials.NewStaticCredentialsProvider(accessKey, secret, getenv("AWS_SESSION_TOKEN")),
		region: region,
		signer: v4.NewSigner(),
		now:    time.Now,
	}, nil
}

func (t *awsSigningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	creds, err := t.creds.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	// RoundTrippers must not modify the original request.
	signed := req.Clone(req.Context())
	payloadHash := emptyPayloadHash
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		sum := sha256.Sum256(body)
		payloadHash = hex.EncodeToString(sum[:])
		signed.Body = io.NopCloser(bytes.NewReader(body))
		signed.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		signed.ContentLength = int64(len(body))
	}

	if err := t.sign(signed, creds, payloadHash); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(signed)
}

func (t *awsSigningTransport) sign(req *http.Request, creds aws.Credentials, payloadHash string) error {
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if err := t.signer.SignHTTP(req.Context(), creds, req, payloadHash, awsService, t.region, t.now()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}
