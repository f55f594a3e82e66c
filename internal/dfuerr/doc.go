// Package dfuerr defines the error taxonomy shared by the update engine.
//
// Every rejection on the update path is an *Error carrying an ErrorKind:
//
//   - KindLength, KindAddress: guard rejections, the attempt is aborted
//   - KindData, KindCommand: storage or host protocol faults, the attempt is aborted
//   - KindVerify: the image is not acceptable and is never executed
//   - KindTimeout: the host went quiet, the transfer restarts
//   - KindHardware: a primitive failed, the loop halts
//
// Each kind maps to a one-byte status that the transport reports to the host.
package dfuerr
