package clip

// This package implements the domain layer for talking to a bridge that
// exposes the CLIP v2 API.
//
// The wire surface we consume is small:
//
// - `Resource`  - one entity on the bridge (a light, a room, the bridge
//                 itself). We carry resources as raw JSON; modelling their
//                 schema is the consumer's business, not ours.
// - `Reference` - a (type, id) pair addressing one resource, or all
//                 resources of a type when the id is empty.
// - Events      - the bridge pushes resource changes over a server-sent
//                 event stream. Event payloads are JSON arrays; each entry
//                 carries a `data` array of partial resources.
//
// === Endpoints
//
// - `https://<host>/clip/v2/resource/<type>[/<id>]` - GET/PUT resources
// - `https://<host>/eventstream/clip/v2`            - SSE event feed
// - `http://<host>/api`                             - application key registration
// - `http://<host>/api/0/config`                    - unauthenticated config probe
//
// Every request against the first two endpoints must carry the
// application key in the `hue-application-key` header.
//
// === SSE framing
//
// The event feed uses standard server-sent event framing
//
//   ```
//   : hi
//
//   id: 1688400000:0
//   data: [{"data":[{"id":"...","type":"light",...}]}]
//
//   ```
//
// - messages are groups of `field: value` lines terminated by a blank line
// - only `data:` fields carry payload, everything else is ignored
// - multiple `data:` lines of one message concatenate into one payload
// - comment-only messages (`: hi`) are keep-alives with no payload
//
// === Registration
//
// Registration is a single HTTP/1.1 POST exchange, made before any
// authenticated session exists
//
//   ```
//   > POST /api
//   > {"devicetype":"<application id>","generateclientkey":true}
//   < [{"success":{"username":"<application key>","clientkey":"..."}}]
//   ```
//
// The bridge refuses registration unless its link button was pressed
// recently, in which case the response carries an error entry instead of
// a success entry.
