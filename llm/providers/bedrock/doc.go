// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package bedrock implements the AWS Bedrock Runtime adapter.

Bedrock is not a single dialect: the model family is determined from the
modelID prefix (anthropic.*, amazon.titan*, meta.llama*, mistral.*,
cohere.*, ai21.*) and each family has its own request/response JSON
schema. Requests are signed with AWS Signature Version 4
(github.com/aws/aws-sdk-go-v2/aws/signer/v4) rather than Bearer/API-key
auth.

Streaming uses Bedrock's binary event-stream framing in production; this
adapter degrades to a pair of synthetic chunks — the full generation as one
content delta, then a terminal finish_reason/usage chunk. The unary
InvokeModel call is reused and re-packaged instead of decoding the
vnd.amazon.eventstream wire format.
*/
package bedrock
