// Comfy2go-worker is a serverless worker shim in front of a local ComfyUI instance.
// A job carries an API-format workflow and optional base64 input images; the worker uploads
// the images, queues the workflow, follows execution over the ComfyUI websocket and hands
// back the generated images either inline as base64 or as URLs in an S3-compatible bucket.
package comfyworker
