// Copyright 2021-2022 The hassrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hassrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// defineAPIRestHandler define the base REST handler
func defineAPIRestHandler(
	logTags log.Fields, logConfig *common.HTTPRequestLogging,
) APIRestHandler {
	requestIDHeader := logConfig.RequestIDHeader
	return APIRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range logConfig.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		requestIDHeader: requestIDHeader,
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// requestLogTags get the log tags for a request
func (h APIRestHandler) requestLogTags(r *http.Request) log.Fields {
	tags, err := common.UpdateLogTags(r.Context(), h.GetLogTagsForContext(r.Context()))
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to read request parameters")
	}
	return tags
}

// requestID get the request ID assigned by AttachRequestID
func requestID(ctxt context.Context) string {
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return v.ID
	}
	return ""
}

// AttachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := ""
		if h.requestIDHeader != "" {
			reqID = r.Header.Get(h.requestIDHeader)
		}
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		if h.requestIDHeader != "" {
			rw.Header().Set(h.requestIDHeader, reqID)
		}
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(), Remote: r.RemoteAddr,
			},
		)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// successMsg define a standard success message carrying the request ID
func (h APIRestHandler) successMsg(r *http.Request) goutils.RestAPIBaseResponse {
	resp := h.GetStdRESTSuccessMsg(r.Context())
	resp.RequestID = requestID(r.Context())
	return resp
}

// errorMsg define a standard error message carrying the request ID
func (h APIRestHandler) errorMsg(
	r *http.Request, code int, message string, detail string,
) goutils.RestAPIBaseResponse {
	resp := h.GetStdRESTErrorMsg(r.Context(), code, message, detail)
	resp.RequestID = requestID(r.Context())
	return resp
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	w http.ResponseWriter, respCode int, resp interface{}, logTags log.Fields,
) {
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}
