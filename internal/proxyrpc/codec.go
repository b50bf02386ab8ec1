/*
 *
 * Copyright 2025 The NCCL-Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package proxyrpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawCodecName is the content-subtype both ends agree on.
const rawCodecName = "proxy-raw"

// frame is the unit the raw codec moves: an opaque byte payload. The proxy
// protocol defines its own fixed-size layouts, so protobuf buys nothing
// here.
type frame struct {
	payload []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("proxyrpc codec: cannot marshal %T", v)
	}
	return f.payload, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("proxyrpc codec: cannot unmarshal into %T", v)
	}
	f.payload = data
	return nil
}

func (rawCodec) Name() string { return rawCodecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}
