package main

import "fmt"

const (
	MsgNoObjects = "No objects detected above the confidence threshold."

	MsgSingleObject = "One object detected."

	MsgSkipped = "Object key is not a supported input image; nothing was processed."
)

func getDetectionMessage(count int) string {
	switch {
	case count == 0:
		return MsgNoObjects
	case count == 1:
		return MsgSingleObject
	default:
		return fmt.Sprintf("%d objects detected.", count)
	}
}
