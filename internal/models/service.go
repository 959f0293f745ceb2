package models

type Service struct {
	ServiceID         string `json:"service_id"`
	CenterID          string `json:"center_id"`
	Name              string `json:"name"`
	Code              string `json:"code"`
	AvgServiceMinutes int    `json:"avg_service_minutes"`
	Active            bool   `json:"active"`
}

type ServiceCenter struct {
	CenterID string `json:"center_id"`
	Name     string `json:"name"`
	Prefix   string `json:"prefix"`
	Active   bool   `json:"active"`
}
