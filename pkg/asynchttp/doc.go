// Package asynchttp holds the value model shared by every layer of the
// async HTTP processor: Request, Response, the transport Error, the
// HttpError hierarchy, and CallbackArgs. Every type here is immutable
// once constructed and round-trips through MarshalHash/Unmarshal*Hash
// without loss, including nested callback args and redirect lists,
// with one exception: a Request's job envelope is not carried in its
// hash.
package asynchttp
