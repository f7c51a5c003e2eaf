/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package marker reads and clears the node metadata field that lists the
// device ids pending provisioning.
package marker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"

	"github.com/carina-io/localpv-agent/utils"
)

// Kind selects which node metadata dictionary holds the marker.
type Kind string

const (
	KindAnnotation Kind = "annotation"
	KindLabel      Kind = "label"
)

// ParseKind accepts "annotation" or "label", case insensitive.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAnnotation:
		return KindAnnotation, nil
	case KindLabel:
		return KindLabel, nil
	}
	return "", fmt.Errorf("marker kind must be either %s or %s: %q", KindAnnotation, KindLabel, s)
}

// Field is the metadata field name of the dictionary.
func (k Kind) Field() string {
	if k == KindLabel {
		return "labels"
	}
	return "annotations"
}

// Marker identifies the node metadata field listing pending device ids.
type Marker struct {
	Key  string
	Kind Kind
}

func (m Marker) String() string {
	return fmt.Sprintf("%s '%s'", m.Kind, m.Key)
}

// NodeResource is the core/v1 nodes resource.
var NodeResource = corev1.SchemeGroupVersion.WithResource("nodes")

// ResolveNodeName reads the node name from the environment variable envVar.
func ResolveNodeName(envVar string, lookup func(string) (string, bool)) (string, error) {
	name, ok := lookup(envVar)
	if !ok || name == "" {
		return "", utils.NewConfigurationError(envVar, "env variable is not set")
	}
	return name, nil
}

// ParseDeviceIDs splits the marker value on commas. Order and duplicates are
// kept; empty tokens are not device ids and are dropped.
func ParseDeviceIDs(value string) []string {
	ids := []string{}
	for _, id := range strings.Split(value, ",") {
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Reader fetches the marker value from the node.
type Reader struct {
	client dynamic.Interface
	marker Marker
	log    *zap.SugaredLogger

	newBackOff func() backoff.BackOff
}

// NewReader creates a Reader. Transient API errors are retried until
// retryTimeout elapses; zero disables retries.
func NewReader(client dynamic.Interface, marker Marker, log *zap.SugaredLogger, retryTimeout time.Duration) *Reader {
	return &Reader{
		client: client,
		marker: marker,
		log:    log,
		newBackOff: func() backoff.BackOff {
			if retryTimeout <= 0 {
				return &backoff.StopBackOff{}
			}
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = retryTimeout
			return b
		},
	}
}

// Read returns the pending device ids listed on the node.
func (r *Reader) Read(ctx context.Context, nodeName string) ([]string, error) {
	node, err := r.getNode(ctx, nodeName)
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", nodeName, err)
	}

	value, err := Value(node.Object, r.marker)
	if err != nil {
		return nil, err
	}
	r.log.Debugf("node %s %s has value %q", nodeName, r.marker, value)

	ids := ParseDeviceIDs(value)
	if tokens := strings.Count(value, ",") + 1; value != "" && tokens != len(ids) {
		r.log.Warnf("Ignoring %d empty device ids in %s %q", tokens-len(ids), r.marker, value)
	}
	return ids, nil
}

func (r *Reader) getNode(ctx context.Context, nodeName string) (*unstructured.Unstructured, error) {
	var node *unstructured.Unstructured
	op := func() error {
		n, err := r.client.Resource(NodeResource).Get(ctx, nodeName, metav1.GetOptions{})
		if err == nil {
			node = n
			return nil
		}
		if isTransient(err) {
			r.log.Warnf("get node %s failed, retrying: %s", nodeName, err)
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(r.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return node, nil
}

// Value extracts the marker value from unstructured node content. A missing
// dictionary, a missing key or a non-string value yield "". A dictionary that
// is not a map is a ValidationError.
func Value(obj map[string]interface{}, m Marker) (string, error) {
	field := "metadata." + m.Kind.Field()
	raw, found, err := unstructured.NestedFieldNoCopy(obj, "metadata", m.Kind.Field())
	if err != nil {
		return "", &utils.ValidationError{Object: objectName(obj), Field: field, Reason: err.Error()}
	}
	if !found || raw == nil {
		return "", nil
	}

	dict, ok := raw.(map[string]interface{})
	if !ok {
		return "", &utils.ValidationError{Object: objectName(obj), Field: field, Reason: fmt.Sprintf("is %T, not a string map", raw)}
	}

	value, ok := dict[m.Key].(string)
	if !ok {
		return "", nil
	}
	return value, nil
}

// Clearer removes the marker key from the node.
type Clearer struct {
	client dynamic.Interface
	marker Marker
	log    *zap.SugaredLogger
}

func NewClearer(client dynamic.Interface, marker Marker, log *zap.SugaredLogger) *Clearer {
	return &Clearer{client: client, marker: marker, log: log}
}

// Clear issues a single merge patch deleting the marker key. No
// resourceVersion precondition is sent.
func (c *Clearer) Clear(ctx context.Context, nodeName string) error {
	patch, err := RemovePatch(c.marker)
	if err != nil {
		return err
	}

	c.log.Infof("Removing %s from node %s", c.marker, nodeName)
	if _, err := c.client.Resource(NodeResource).Patch(ctx, nodeName, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s from node %s: %w", c.marker, nodeName, err)
	}
	return nil
}

// RemovePatch renders the merge patch removing the marker key.
func RemovePatch(m Marker) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{
			m.Kind.Field(): map[string]interface{}{
				m.Key: nil,
			},
		},
	})
}

func isTransient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err)
}

func objectName(obj map[string]interface{}) string {
	name, _, _ := unstructured.NestedString(obj, "metadata", "name")
	return "node/" + name
}
