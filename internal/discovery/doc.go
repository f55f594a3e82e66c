// Package discovery advertises and finds update endpoints over mDNS.
//
// A device publishes a "_securedfu._tcp" service whose TXT records carry
// its identity word, the version of the running image and the WebSocket
// path of the update endpoint:
//
//	id=aa55aa55 ver=1.0.0 path=/dfu
//
// Hosts browse for that service type:
//
//	devices, err := discovery.NewScanner().ScanForDevices(ctx)
//	for _, d := range devices {
//	    fmt.Println(d, d.URL())
//	}
//
// Entries without an "id" record are ignored. Discovery requires multicast
// on the local segment (UDP port 5353).
package discovery
